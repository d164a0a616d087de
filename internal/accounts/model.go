package accounts

type Account struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Password     string   `json:"password"`
	PrimaryEmail string   `json:"primary_email"`
	Emails       []string `json:"emails"`
}

// Owns reports whether address is one of the account's addresses.
func (a *Account) Owns(address string) bool {
	if a.PrimaryEmail == address {
		return true
	}
	for _, e := range a.Emails {
		if e == address {
			return true
		}
	}
	return false
}
