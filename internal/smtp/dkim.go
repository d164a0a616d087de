package smtp

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"
)

var ErrInvalidPEM = errors.New("invalid PEM data")

var signedHeaders = []string{
	"from",
	"to",
	"subject",
	"date",
	"message-id",
	"content-type",
}

// Signer adds a DKIM-Signature header to rendered messages.
type Signer struct {
	domain   string
	selector string
	key      crypto.Signer
}

func NewSigner(domain, selector string, key crypto.Signer) *Signer {
	if selector == "" {
		selector = "mail"
	}

	return &Signer{
		domain:   domain,
		selector: selector,
		key:      key,
	}
}

// LoadSigner reads a PEM encoded PKCS#1 or PKCS#8 private key.
func LoadSigner(domain, selector, path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return NewSigner(domain, selector, key), nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DKIM private key: %w", err)
	}
	key, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported DKIM key type %T", parsed)
	}

	return NewSigner(domain, selector, key), nil
}

func (s *Signer) Sign(msg []byte) ([]byte, error) {
	opts := &dkim.SignOptions{
		Domain:                 s.domain, // must match the From domain
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(msg), opts); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	return signed.Bytes(), nil
}
