package auth

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// LDAPDirectory authenticates by binding as the user. BindDN is a format
// string with one %s for the escaped username.
type LDAPDirectory struct {
	Address            string
	Transport          string // plain, tls or starttls
	BindDN             string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// Authenticate performs a simple bind with username and password.
func (d *LDAPDirectory) Authenticate(ctx context.Context, username, password string) error {
	if password == "" {
		// an empty password is an unauthenticated bind and always succeeds
		return ErrInvalidCredentials
	}
	conn, err := d.dial(ctx)
	if err != nil {
		return fmt.Errorf("ldap dial: %w", err)
	}
	defer conn.Close()

	if d.Transport == "starttls" {
		if err := conn.StartTLS(d.tlsConfig()); err != nil {
			return fmt.Errorf("ldap starttls: %w", err)
		}
	}
	if err := conn.Bind(fmt.Sprintf(d.BindDN, ldap.EscapeDN(username)), password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("ldap bind: %w", err)
	}
	return nil
}

func (d *LDAPDirectory) dial(ctx context.Context) (*ldap.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: timeout}
	switch d.Transport {
	case "tls":
		return ldap.DialURL("ldaps://"+d.Address, ldap.DialWithDialer(dialer), ldap.DialWithTLSConfig(d.tlsConfig()))
	default:
		return ldap.DialURL("ldap://"+d.Address, ldap.DialWithDialer(dialer))
	}
}

func (d *LDAPDirectory) tlsConfig() *tls.Config {
	host, _, err := net.SplitHostPort(d.Address)
	if err != nil {
		host = d.Address
	}
	return &tls.Config{ServerName: host, InsecureSkipVerify: d.InsecureSkipVerify}
}
