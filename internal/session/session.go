package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/venue"
)

// ErrAuth means the venue rejected the account credentials. The core
// never retries this automatically; the caller decides.
var ErrAuth = errors.New("session: venue authentication failed")

const authTimeout = 20 * time.Second

// Manager hands out venue session tokens. Tokens are cached on the
// account row so restarts reuse them; a token is considered usable only
// while now < expiry - safetyMargin, otherwise it is refreshed before
// use. Refreshes for the same account are single-flight.
type Manager struct {
	db       *pairing.Database
	gateways map[string]venue.Gateway
	ttl      time.Duration
	safety   time.Duration
	logger   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(db *pairing.Database, gateways map[string]venue.Gateway, ttl, safety time.Duration) *Manager {
	return &Manager{
		db:       db,
		gateways: gateways,
		ttl:      ttl,
		safety:   safety,
		locks:    make(map[string]*sync.Mutex),
		logger:   log.With().Str("component", "session_manager").Logger(),
	}
}

func (m *Manager) accountLock(accountID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[accountID] = l
	}
	return l
}

// Token returns a usable session token for the account, refreshing and
// persisting it when the cached one is missing or within the safety
// margin of expiry.
func (m *Manager) Token(ctx context.Context, acct *pairing.VenueAccount) (string, error) {
	if m.valid(acct) {
		return acct.Token, nil
	}

	lock := m.accountLock(acct.AccountID)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited.
	fresh, err := m.db.GetAccount(acct.AccountID)
	if err != nil {
		return "", err
	}
	if fresh != nil {
		*acct = *fresh
		if m.valid(acct) {
			return acct.Token, nil
		}
	}

	gw, ok := m.gateways[acct.Terminal]
	if !ok {
		return "", fmt.Errorf("no gateway configured for terminal %q", acct.Terminal)
	}

	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	token, err := gw.Authenticate(authCtx, venue.Credentials{
		Server:   acct.Server,
		Account:  acct.AccountNumber,
		Password: acct.Password,
	})
	if err != nil {
		if errors.Is(err, venue.ErrAuth) {
			m.logger.Error().
				Str("account_id", acct.AccountID).
				Str("server", acct.Server).
				Msg("venue rejected credentials")
			return "", fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return "", err
	}

	expiresAt := time.Now().Add(m.ttl)
	if err := m.db.SaveToken(acct.AccountID, token, expiresAt); err != nil {
		m.logger.Error().Err(err).Str("account_id", acct.AccountID).Msg("failed to persist session token")
	}
	acct.Token = token
	acct.TokenExpiresAt = &expiresAt

	m.logger.Info().
		Str("account_id", acct.AccountID).
		Str("terminal", acct.Terminal).
		Time("expires_at", expiresAt).
		Msg("acquired new session token")
	return token, nil
}

// Invalidate drops the cached token for an account, forcing the next
// call to re-authenticate. Used after a venue starts rejecting it.
func (m *Manager) Invalidate(acct *pairing.VenueAccount) {
	if err := m.db.ClearToken(acct.AccountID); err != nil {
		m.logger.Error().Err(err).Str("account_id", acct.AccountID).Msg("failed to clear session token")
	}
	acct.Token = ""
	acct.TokenExpiresAt = nil
}

// Gateway returns the gateway for an account's dialect.
func (m *Manager) Gateway(acct *pairing.VenueAccount) (venue.Gateway, error) {
	gw, ok := m.gateways[acct.Terminal]
	if !ok {
		return nil, fmt.Errorf("no gateway configured for terminal %q", acct.Terminal)
	}
	return gw, nil
}

func (m *Manager) valid(acct *pairing.VenueAccount) bool {
	return acct.Token != "" &&
		acct.TokenExpiresAt != nil &&
		time.Now().Add(m.safety).Before(*acct.TokenExpiresAt)
}
