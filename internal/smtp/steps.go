package smtp

// step is a position in the fixed submission sequence. A session only moves
// forward through it, skipping the STARTTLS steps when they do not apply.
type step int

const (
	stepConnect step = iota
	stepGreeting
	stepEhlo
	stepStartTLS
	stepEhloTLS
	stepAuth
	stepUsername
	stepPassword
	stepMailFrom
	stepRcptTo
	stepData
	stepContent
	stepQuit
	stepDone
)

var stepNames = [...]string{
	stepConnect:  "connect",
	stepGreeting: "greeting",
	stepEhlo:     "ehlo",
	stepStartTLS: "starttls",
	stepEhloTLS:  "ehlo2",
	stepAuth:     "auth",
	stepUsername: "username",
	stepPassword: "password",
	stepMailFrom: "mailfrom",
	stepRcptTo:   "rcptto",
	stepData:     "data",
	stepContent:  "content",
	stepQuit:     "quit",
	stepDone:     "done",
}

func (s step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return "unknown"
	}
	return stepNames[s]
}

// flags is the session state the transitions depend on.
type flags struct {
	requireUpgrade bool
	encrypted      bool
	authenticate   bool
}

func (f flags) afterHello() step {
	if f.authenticate {
		return stepAuth
	}
	return stepMailFrom
}

// transition maps the reply to the current step onto the next step, or onto
// the error that ends the session.
func transition(cur step, r Reply, f flags) (step, error) {
	if r.Failed() {
		return cur, &Error{Kind: KindProtocol, Step: cur.String(), Reply: r.Text()}
	}

	switch cur {
	case stepEhlo:
		if !f.requireUpgrade || f.encrypted {
			return f.afterHello(), nil
		}
		if !r.Offers(extStartTLS) {
			return cur, &Error{Kind: KindCapability, Step: cur.String(), Err: ErrStartTLSNotOffered}
		}
		return stepStartTLS, nil

	case stepStartTLS:
		if r.Code != CodeServiceReady {
			return cur, &Error{Kind: KindProtocol, Step: cur.String(), Reply: r.Text(), Err: ErrUpgradeRejected}
		}
		return stepEhloTLS, nil

	case stepEhloTLS:
		return f.afterHello(), nil

	case stepQuit, stepDone:
		return stepDone, nil

	default:
		return cur + 1, nil
	}
}
