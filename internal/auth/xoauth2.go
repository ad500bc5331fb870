package auth

import "github.com/emersion/go-sasl"

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Gmail and
// Outlook for IMAP and SMTP. The transport applies base64 where the protocol
// requires it.
type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2 returns a sasl.Client carrying an OAuth bearer token.
func NewXOAuth2(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

// Next handles the error challenge the server may send after a rejected
// token; replying with an empty response makes the server return the final
// NO so the failure surfaces as an authentication error.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}
