package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mailvault/mailvault/internal/errs"
	"github.com/mailvault/mailvault/pkg/types"
)

// RefreshThreshold is how close to expiry a token may get before the next
// authenticated call triggers a refresh.
const RefreshThreshold = 5 * time.Minute

// TokenStore persists refreshed bundles. Satisfied by *store.Store.
type TokenStore interface {
	UpdateTokenBundle(accountID int64, bundle types.TokenBundle) error
}

// TokenManager wraps an account's token bundle and refreshes it on demand.
// There is no background timer: expiry is checked before each authenticated
// protocol operation.
type TokenManager struct {
	mu       sync.Mutex
	account  types.Account
	bundle   types.TokenBundle
	provider Provider
	store    TokenStore
	logger   *logrus.Logger

	now func() time.Time
}

// NewTokenManager builds a manager around a decrypted in-memory bundle.
func NewTokenManager(account types.Account, bundle types.TokenBundle, provider Provider, store TokenStore, logger *logrus.Logger) *TokenManager {
	return &TokenManager{
		account:  account,
		bundle:   bundle,
		provider: provider,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// Email returns the account identity used in the XOAUTH2 credential.
func (m *TokenManager) Email() string {
	return m.account.EmailAddress
}

// Bundle returns a copy of the current in-memory bundle.
func (m *TokenManager) Bundle() types.TokenBundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bundle
}

// AccessToken returns a token valid for at least RefreshThreshold, refreshing
// exactly once when the stored one is expiring or expired. A failed refresh
// surfaces as errs.ErrTokenRefresh and is never retried here.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bundle.ExpiresAt.Sub(m.now()) > RefreshThreshold {
		return m.bundle.AccessToken, nil
	}

	if m.bundle.RefreshToken == "" {
		return "", fmt.Errorf("%w: no refresh token stored, re-authentication required", errs.ErrTokenRefresh)
	}

	refreshed, err := m.provider.Refresh(ctx, m.bundle.RefreshToken)
	if err != nil {
		if errors.Is(err, errs.ErrTokenRefresh) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", errs.ErrTokenRefresh, err)
	}

	m.bundle = refreshed
	if err := m.store.UpdateTokenBundle(m.account.ID, refreshed); err != nil {
		// The new token is usable either way; persistence is retried on
		// the next refresh.
		m.logger.WithError(err).WithField("account", m.account.EmailAddress).
			Warn("Failed to persist refreshed token bundle")
	}

	m.logger.WithField("account", m.account.EmailAddress).Debug("Refreshed OAuth token")
	return m.bundle.AccessToken, nil
}
