// Package imapclient wraps one authenticated IMAP session to a single
// mailbox. Connection is lazy, liveness is probed with NOOP before reuse,
// and a dead session reconnects transparently on the next operation.
package imapclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/mailvault/mailvault/internal/auth"
	"github.com/mailvault/mailvault/internal/errs"
	"github.com/mailvault/mailvault/pkg/types"
)

// Options configures a Client.
type Options struct {
	Port    int
	Timeout time.Duration

	// TokenManager enables XOAUTH2 when set; otherwise Password is used
	// for plain LOGIN.
	TokenManager *auth.TokenManager
	Password     string
}

// Client manages one connection to one IMAP mailbox. It must not be shared
// across concurrent callers without external synchronization.
type Client struct {
	account types.Account
	opts    Options
	logger  *logrus.Logger
	conn    *client.Client
}

// New creates a client. No network I/O happens until the first operation.
func New(account types.Account, opts Options, logger *logrus.Logger) *Client {
	if opts.Port == 0 {
		opts.Port = 993
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{account: account, opts: opts, logger: logger}
}

// ensureConnected reconnects when the prior session died or was never
// established. Liveness is probed with a NOOP round trip.
func (c *Client) ensureConnected() error {
	if c.conn != nil {
		if err := c.conn.Noop(); err == nil {
			return nil
		}
		c.logger.WithField("account", c.account.EmailAddress).Debug("IMAP session dead, reconnecting")
		c.conn.Logout() //nolint:errcheck
		c.conn = nil
	}
	return c.connect()
}

func (c *Client) connect() error {
	addr := fmt.Sprintf("%s:%d", c.account.IMAPHost, c.opts.Port)

	conn, err := client.DialWithDialerTLS(
		&net.Dialer{Timeout: c.opts.Timeout},
		addr,
		&tls.Config{ServerName: c.account.IMAPHost, MinVersion: tls.VersionTLS12},
	)
	if err != nil {
		return fmt.Errorf("%w: failed to connect to %s: %v", errs.ErrConnection, addr, err)
	}
	conn.Timeout = c.opts.Timeout

	if err := c.authenticate(conn); err != nil {
		conn.Logout() //nolint:errcheck
		return err
	}

	c.conn = conn
	c.logger.WithField("account", c.account.EmailAddress).Info("Connected to IMAP server")
	return nil
}

func (c *Client) authenticate(conn *client.Client) error {
	if c.opts.TokenManager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
		defer cancel()

		token, err := c.opts.TokenManager.AccessToken(ctx)
		if err != nil {
			// A refresh failure needs re-authentication, not a retry;
			// keep the kind distinct from a connection failure.
			if errors.Is(err, errs.ErrTokenRefresh) {
				return err
			}
			return fmt.Errorf("%w: %v", errs.ErrTokenRefresh, err)
		}

		if err := conn.Authenticate(auth.NewXOAuth2(c.opts.TokenManager.Email(), token)); err != nil {
			return fmt.Errorf("%w: XOAUTH2 rejected: %v", errs.ErrAuthentication, err)
		}
		return nil
	}

	if c.opts.Password == "" {
		return fmt.Errorf("%w: no credentials configured", errs.ErrAuthentication)
	}
	if err := conn.Login(c.account.EmailAddress, c.opts.Password); err != nil {
		return fmt.Errorf("%w: login rejected: %v", errs.ErrAuthentication, err)
	}
	return nil
}

// Close logs out and drops the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Logout()
	c.conn = nil
	return err
}
