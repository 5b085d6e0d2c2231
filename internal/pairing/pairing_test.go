package pairing

import (
	"errors"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/spreadcore/spread-api/internal/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&VenueAccount{}, &Pairing{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewService(db)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Alpha Markets", "alpha_markets"},
		{"alpha-markets (demo)", "alpha_markets_demo"},
		{"  Alpha  ", "alpha"},
		{"ALPHA.BETA/7", "alpha_beta_7"},
		{"alpha", "alpha"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Fatalf("Normalize(%q) = %q, expected %q", tt.in, got, tt.want)
		}
	}
}

func TestCreateAccountValidatesTerminal(t *testing.T) {
	s := newTestService(t)

	_, err := s.CreateAccount(CreateAccountRequest{
		Name: "Alpha", Terminal: "MT9", Server: "demo", AccountNumber: "1", Password: "x",
	})
	var vErr *types.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected a validation error for an unknown terminal, got %v", err)
	}
}

func TestCreatePairingDerivesPremiumTable(t *testing.T) {
	s := newTestService(t)

	a, err := s.CreateAccount(CreateAccountRequest{Name: "Alpha Markets", Terminal: "MT5", Server: "a", AccountNumber: "1", Password: "x"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	b, err := s.CreateAccount(CreateAccountRequest{Name: "Beta FX", Terminal: "MT4", Server: "b", AccountNumber: "2", Password: "x"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if a.Company != "alpha_markets" {
		t.Fatalf("company = %q, expected normalized name", a.Company)
	}

	p, err := s.CreatePairing("user-1", CreatePairingRequest{
		Name:            "Alpha vs Beta BTC",
		FutureAccountID: a.AccountID,
		SpotAccountID:   b.AccountID,
	})
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}
	if p.PremiumTable != "premium_alpha_vs_beta_btc" {
		t.Fatalf("premium table = %q, expected premium_alpha_vs_beta_btc", p.PremiumTable)
	}
	if p.SymbolsLocked {
		t.Fatal("a new pairing must start unlocked")
	}
}

func TestCreatePairingRejectsUnknownAccount(t *testing.T) {
	s := newTestService(t)

	_, err := s.CreatePairing("user-1", CreatePairingRequest{
		Name: "x", FutureAccountID: "missing", SpotAccountID: "also-missing",
	})
	var vErr *types.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func TestLockSymbols(t *testing.T) {
	s := newTestService(t)
	a, _ := s.CreateAccount(CreateAccountRequest{Name: "Alpha", Terminal: "MT5", Server: "a", AccountNumber: "1", Password: "x"})
	b, _ := s.CreateAccount(CreateAccountRequest{Name: "Beta", Terminal: "MT4", Server: "b", AccountNumber: "2", Password: "x"})
	p, err := s.CreatePairing("user-1", CreatePairingRequest{
		Name: "ab", FutureAccountID: a.AccountID, SpotAccountID: b.AccountID,
	})
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}

	// Locking without both symbols is rejected.
	_, err = s.LockSymbols(p.PairingID, "BTCUSD.f", "")
	var vErr *types.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected a validation error, got %v", err)
	}

	locked, err := s.LockSymbols(p.PairingID, "BTCUSD.f", "BTCUSD")
	if err != nil {
		t.Fatalf("LockSymbols: %v", err)
	}
	if !locked.SymbolsLocked {
		t.Fatal("expected the pairing to be locked")
	}

	// Only locked pairings stream.
	eligible, err := s.db.ListLocked()
	if err != nil {
		t.Fatalf("ListLocked: %v", err)
	}
	if len(eligible) != 1 || eligible[0].PairingID != p.PairingID {
		t.Fatalf("ListLocked = %+v, expected the locked pairing only", eligible)
	}
}
