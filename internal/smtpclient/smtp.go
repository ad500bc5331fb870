// Package smtpclient sends outbound mail over SMTP with STARTTLS or
// implicit TLS, authenticating with XOAUTH2 or a password.
package smtpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/mail"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/mailvault/mailvault/internal/auth"
	"github.com/mailvault/mailvault/internal/errs"
	"github.com/mailvault/mailvault/pkg/types"
)

// Attachment is one file to include in an outgoing message.
type Attachment struct {
	Filename string
	MimeType string
	Content  []byte
}

// OutgoingMessage is an email to be sent.
type OutgoingMessage struct {
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	BodyText    string
	BodyHTML    string
	InReplyTo   string
	Attachments []Attachment
}

// Sender delivers outgoing messages.
type Sender interface {
	Send(ctx context.Context, msg *OutgoingMessage) error
}

// Options configures a Client.
type Options struct {
	Port    int
	Timeout time.Duration

	TokenManager *auth.TokenManager
	Password     string
}

// Client sends mail through one account's SMTP server. Each Send opens a
// fresh connection; SMTP submission sessions are short-lived.
type Client struct {
	account types.Account
	opts    Options
	logger  *logrus.Logger
}

// New creates a sender for the account.
func New(account types.Account, opts Options, logger *logrus.Logger) *Client {
	if opts.Port == 0 {
		opts.Port = 587
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{account: account, opts: opts, logger: logger}
}

// Send builds the MIME message and delivers it. Port 465 uses implicit TLS,
// anything else dials plain and upgrades with STARTTLS before authenticating.
func (c *Client) Send(ctx context.Context, msg *OutgoingMessage) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("%w: message has no recipients", errs.ErrOperation)
	}

	raw, err := c.buildMIME(msg)
	if err != nil {
		return fmt.Errorf("%w: building MIME message: %v", errs.ErrOperation, err)
	}

	saslClient, err := c.saslClient(ctx)
	if err != nil {
		return err
	}

	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Auth(saslClient); err != nil {
		return fmt.Errorf("%w: SMTP auth rejected: %v", errs.ErrAuthentication, err)
	}

	if err := conn.Mail(c.account.EmailAddress, nil); err != nil {
		return fmt.Errorf("%w: MAIL FROM: %v", errs.ErrOperation, err)
	}
	recipients := append(append(append([]string{}, msg.To...), msg.Cc...), msg.Bcc...)
	for _, to := range recipients {
		if err := conn.Rcpt(to, nil); err != nil {
			return fmt.Errorf("%w: RCPT TO %s: %v", errs.ErrOperation, to, err)
		}
	}

	w, err := conn.Data()
	if err != nil {
		return fmt.Errorf("%w: DATA: %v", errs.ErrOperation, err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close() //nolint:errcheck
		return fmt.Errorf("%w: writing message body: %v", errs.ErrOperation, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: finalizing message: %v", errs.ErrOperation, err)
	}

	c.logger.WithFields(logrus.Fields{
		"account":    c.account.EmailAddress,
		"recipients": len(recipients),
	}).Info("Sent message")
	return conn.Quit()
}

func (c *Client) dial() (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", c.account.SMTPHost, c.opts.Port)
	tlsCfg := &tls.Config{ServerName: c.account.SMTPHost, MinVersion: tls.VersionTLS12}

	if c.opts.Port == 465 {
		conn, err := smtp.DialTLS(addr, tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to connect to %s: %v", errs.ErrConnection, addr, err)
		}
		return conn, nil
	}

	conn, err := smtp.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %v", errs.ErrConnection, addr, err)
	}
	if err := conn.StartTLS(tlsCfg); err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: STARTTLS: %v", errs.ErrConnection, err)
	}
	return conn, nil
}

func (c *Client) saslClient(ctx context.Context) (sasl.Client, error) {
	if c.opts.TokenManager != nil {
		token, err := c.opts.TokenManager.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		return auth.NewXOAuth2(c.opts.TokenManager.Email(), token), nil
	}
	if c.opts.Password == "" {
		return nil, fmt.Errorf("%w: no credentials configured", errs.ErrAuthentication)
	}
	return sasl.NewPlainClient("", c.account.EmailAddress, c.opts.Password), nil
}

func (c *Client) buildMIME(msg *OutgoingMessage) ([]byte, error) {
	b := enmime.Builder().
		From(c.account.DisplayName, c.account.EmailAddress).
		Subject(msg.Subject).
		ToAddrs(parseAddrs(msg.To)).
		CCAddrs(parseAddrs(msg.Cc)).
		BCCAddrs(parseAddrs(msg.Bcc))

	if msg.BodyText != "" {
		b = b.Text([]byte(msg.BodyText))
	}
	if msg.BodyHTML != "" {
		b = b.HTML([]byte(msg.BodyHTML))
	}
	if msg.InReplyTo != "" {
		b = b.Header("In-Reply-To", msg.InReplyTo)
	}
	for _, att := range msg.Attachments {
		b = b.AddAttachment(att.Content, att.MimeType, att.Filename)
	}

	part, err := b.Build()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseAddrs(raw []string) []mail.Address {
	out := make([]mail.Address, 0, len(raw))
	for _, r := range raw {
		if addr, err := mail.ParseAddress(r); err == nil {
			out = append(out, *addr)
		} else {
			out = append(out, mail.Address{Address: r})
		}
	}
	return out
}
