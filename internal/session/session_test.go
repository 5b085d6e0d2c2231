package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/venue"
)

func newTestManager(t *testing.T, gw venue.Gateway, ttl, safety time.Duration) (*Manager, *pairing.Database) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&pairing.VenueAccount{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	pairings := pairing.NewDatabase(db)
	return NewManager(pairings, map[string]venue.Gateway{venue.TerminalMT4: gw}, ttl, safety), pairings
}

func seedAccount(t *testing.T, pairings *pairing.Database) *pairing.VenueAccount {
	t.Helper()
	acct := &pairing.VenueAccount{
		AccountID: "acct-1", Terminal: venue.TerminalMT4,
		Server: "demo", AccountNumber: "1", Password: "x", Company: "alpha",
	}
	if err := pairings.CreateAccount(acct); err != nil {
		t.Fatalf("creating account: %v", err)
	}
	return acct
}

func TestTokenAcquiredAndReused(t *testing.T) {
	gw := venue.NewMock(venue.TerminalMT4)
	m, pairings := newTestManager(t, gw, 22*time.Hour, 5*time.Minute)
	acct := seedAccount(t, pairings)

	token, err := m.Token(context.Background(), acct)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token == "" {
		t.Fatal("expected a token")
	}

	again, err := m.Token(context.Background(), acct)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if again != token {
		t.Fatalf("expected the cached token to be reused, got %q then %q", token, again)
	}

	// The token survives a process restart via the account row.
	persisted, err := pairings.GetAccount(acct.AccountID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if persisted.Token != token {
		t.Fatalf("persisted token %q, expected %q", persisted.Token, token)
	}
	if persisted.TokenExpiresAt == nil {
		t.Fatal("expected a persisted expiry")
	}
}

func TestTokenRefreshedInsideSafetyMargin(t *testing.T) {
	gw := venue.NewMock(venue.TerminalMT4)
	// TTL shorter than the safety margin: every cached token is
	// already within the refresh window.
	m, pairings := newTestManager(t, gw, time.Minute, 5*time.Minute)
	acct := seedAccount(t, pairings)

	first, err := m.Token(context.Background(), acct)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	second, err := m.Token(context.Background(), acct)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if first == second {
		t.Fatal("a token inside the safety margin must be refreshed, not reused")
	}
}

func TestTokenAuthFailureIsNotRetried(t *testing.T) {
	gw := venue.NewMock(venue.TerminalMT4)
	gw.AuthErr = fmt.Errorf("%w: Invalid account", venue.ErrAuth)
	m, pairings := newTestManager(t, gw, 22*time.Hour, 5*time.Minute)
	acct := seedAccount(t, pairings)

	_, err := m.Token(context.Background(), acct)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if !errors.Is(err, venue.ErrAuth) {
		t.Fatalf("the venue sentinel must stay in the chain, got %v", err)
	}
}

func TestInvalidateForcesReauthentication(t *testing.T) {
	gw := venue.NewMock(venue.TerminalMT4)
	m, pairings := newTestManager(t, gw, 22*time.Hour, 5*time.Minute)
	acct := seedAccount(t, pairings)

	first, err := m.Token(context.Background(), acct)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	m.Invalidate(acct)

	second, err := m.Token(context.Background(), acct)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if first == second {
		t.Fatal("expected a new token after invalidation")
	}
}

func TestGatewayUnknownTerminal(t *testing.T) {
	gw := venue.NewMock(venue.TerminalMT4)
	m, _ := newTestManager(t, gw, 22*time.Hour, 5*time.Minute)

	if _, err := m.Gateway(&pairing.VenueAccount{Terminal: "MT9"}); err == nil {
		t.Fatal("expected an error for an unconfigured terminal")
	}
}
