// Package auth covers OAuth2 credential handling: the provider abstraction,
// the Google implementation, token lifecycle management and the XOAUTH2 SASL
// mechanism used by the IMAP and SMTP clients.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/mailvault/mailvault/internal/errs"
	"github.com/mailvault/mailvault/pkg/types"
)

// Provider is an interchangeable OAuth2 backend. Callers depend on this
// interface, never on a concrete provider.
type Provider interface {
	// AuthorizationURL returns the URL the user must visit to authorize
	// the application. state is an opaque CSRF-protection value.
	AuthorizationURL(state string) string

	// Exchange trades an authorization code for a token bundle.
	Exchange(ctx context.Context, code string) (types.TokenBundle, error)

	// Refresh obtains a fresh access token using a refresh token.
	Refresh(ctx context.Context, refreshToken string) (types.TokenBundle, error)
}

// Google OAuth2 endpoints and the Gmail scopes the client needs.
const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"
)

var googleScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.send",
	"https://www.googleapis.com/auth/gmail.modify",
}

// GoogleProvider implements Provider for Google/Gmail accounts using the
// installed-app authorization-code flow.
type GoogleProvider struct {
	cfg oauth2.Config
}

// NewGoogleProvider builds a Google provider from OAuth client credentials.
func NewGoogleProvider(clientID, clientSecret, redirectURL string) (*GoogleProvider, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("oauth client ID and secret are required")
	}
	return &GoogleProvider{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       googleScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  googleAuthURL,
				TokenURL: googleTokenURL,
			},
		},
	}, nil
}

// AuthorizationURL returns the consent URL. Offline access and forced
// consent are required to receive a refresh token.
func (p *GoogleProvider) AuthorizationURL(state string) string {
	return p.cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange trades an authorization code for tokens.
func (p *GoogleProvider) Exchange(ctx context.Context, code string) (types.TokenBundle, error) {
	tok, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		return types.TokenBundle{}, classifyOAuthErr(err, errs.ErrAuthentication, "token exchange")
	}
	return bundleFromToken(tok, ""), nil
}

// Refresh obtains a new access token. A rejected refresh token surfaces as
// errs.ErrTokenRefresh so the caller can prompt for re-authentication; a
// network failure surfaces as errs.ErrConnection.
func (p *GoogleProvider) Refresh(ctx context.Context, refreshToken string) (types.TokenBundle, error) {
	src := p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return types.TokenBundle{}, classifyOAuthErr(err, errs.ErrTokenRefresh, "token refresh")
	}
	return bundleFromToken(tok, refreshToken), nil
}

// classifyOAuthErr separates server-side credential rejection from transport
// failures.
func classifyOAuthErr(err error, rejectedKind error, op string) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %s rejected: %v", rejectedKind, op, err)
	}
	return fmt.Errorf("%w: %s: %v", errs.ErrConnection, op, err)
}

func bundleFromToken(tok *oauth2.Token, fallbackRefresh string) types.TokenBundle {
	refresh := tok.RefreshToken
	if refresh == "" {
		// Google often omits the refresh token on refresh responses.
		refresh = fallbackRefresh
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return types.TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    expiry,
	}
}
