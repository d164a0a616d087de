package smtp

import (
	"context"
	"crypto/tls"
)

func (a Account) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         a.Host,
		InsecureSkipVerify: a.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}

// upgradeTLS runs a client handshake over the connection currently in the
// slot and installs the resulting TLS connection. No new connection is made.
func upgradeTLS(ctx context.Context, t *transport, cfg *tls.Config) error {
	tlsConn := tls.Client(t.current(), cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}

	return t.replace(tlsConn)
}
