package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/spreadcore/spread-api/internal/types"
	"github.com/spreadcore/spread-api/internal/venue"
)

func newServiceEnv(t *testing.T) (*Service, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	svc := NewService(env.trades, env.executor, env.pairings, env.sessions, env.cache, env.executor.cfg)
	return svc, env
}

func TestCloseArchivesTrade(t *testing.T) {
	svc, env := newServiceEnv(t)

	trade, err := env.executor.ExecuteAtMarket(context.Background(), marketBuy(env))
	if err != nil {
		t.Fatalf("ExecuteAtMarket: %v", err)
	}

	closed, err := svc.Close(context.Background(), trade.TradeID, "user-1")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed == nil {
		t.Fatal("expected the archived trade")
	}
	// Bought at the 0.90 buy premium, unwound at the 0.20 sell premium.
	if math.Abs(closed.ClosePremium-0.20) > 1e-9 {
		t.Fatalf("close premium = %v, expected 0.20", closed.ClosePremium)
	}

	// The trade must not be visible in both tables.
	still, err := env.trades.GetTrade(trade.TradeID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if still != nil {
		t.Fatal("closed trade still present in the open table")
	}
	archived, err := env.trades.GetClosedTrade(trade.TradeID)
	if err != nil || archived == nil {
		t.Fatalf("archived trade missing: %v", err)
	}

	// Both venue positions were closed.
	if len(env.futureGW.ClosedOrders) != 1 || len(env.spotGW.ClosedOrders) != 1 {
		t.Fatalf("closes = %v/%v, expected one per venue",
			env.futureGW.ClosedOrders, env.spotGW.ClosedOrders)
	}
}

func TestCloseRejectsForeignAndNonActiveTrades(t *testing.T) {
	svc, env := newServiceEnv(t)

	trade, err := env.executor.ExecuteAtMarket(context.Background(), marketBuy(env))
	if err != nil {
		t.Fatalf("ExecuteAtMarket: %v", err)
	}

	// Another user's view: not found.
	closed, err := svc.Close(context.Background(), trade.TradeID, "someone-else")
	if err != nil || closed != nil {
		t.Fatalf("expected nil/nil for a foreign trade, got %v/%v", closed, err)
	}

	// A failed trade cannot be closed.
	trade.Status = StatusFailed
	if err := env.trades.UpdateTrade(trade); err != nil {
		t.Fatalf("UpdateTrade: %v", err)
	}
	_, err = svc.Close(context.Background(), trade.TradeID, "user-1")
	var vErr *types.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func checkLegInvariant(t *testing.T, trade *Trade) {
	t.Helper()
	tickets := 0
	if trade.FutureTicket != "" {
		tickets++
	}
	if trade.SpotTicket != "" {
		tickets++
	}
	switch trade.Status {
	case StatusActive:
		if tickets != 2 {
			t.Fatalf("active trade %s has %d leg tickets, expected 2", trade.TradeID, tickets)
		}
	case StatusPartiallyFilled:
		if tickets != 1 {
			t.Fatalf("partially filled trade %s has %d leg tickets, expected exactly 1", trade.TradeID, tickets)
		}
	}
}

// Random submit/rollback/unwind sequences with failures injected at
// every venue call site. Whatever happens, an Active trade carries both
// leg tickets and a PartiallyFilled trade carries exactly one, both on
// the returned record and on the persisted row.
func TestStatusLegInvariantUnderRandomSequences(t *testing.T) {
	svc, env := newServiceEnv(t)
	rng := rand.New(rand.NewSource(42))

	reject := func(venue.OrderRequest) error {
		return fmt.Errorf("%w: off quotes", venue.ErrTransient)
	}

	for i := 0; i < 60; i++ {
		env.futureGW.SendErr = nil
		env.spotGW.SendErr = nil
		env.futureGW.CloseErr = nil
		env.spotGW.CloseErr = nil
		if rng.Intn(3) == 0 {
			env.futureGW.SendErr = reject
		}
		if rng.Intn(3) == 0 {
			env.spotGW.SendErr = reject
		}
		if rng.Intn(4) == 0 {
			env.futureGW.CloseErr = errors.New("market closed")
		}
		if rng.Intn(4) == 0 {
			env.spotGW.CloseErr = errors.New("market closed")
		}

		req := marketBuy(env)
		if rng.Intn(2) == 0 {
			req.Direction = types.Sell
		}
		trade, err := env.executor.ExecuteAtMarket(context.Background(), req)
		if err != nil {
			t.Fatalf("iteration %d: ExecuteAtMarket: %v", i, err)
		}
		checkLegInvariant(t, trade)

		persisted, err := env.trades.GetTrade(trade.TradeID)
		if err != nil || persisted == nil {
			t.Fatalf("iteration %d: reload: %v", i, err)
		}
		checkLegInvariant(t, persisted)

		// Sometimes unwind the position, again with failures armed.
		if persisted.Status == StatusActive && rng.Intn(2) == 0 {
			closed, err := svc.Close(context.Background(), trade.TradeID, "user-1")
			after, gerr := env.trades.GetTrade(trade.TradeID)
			if gerr != nil {
				t.Fatalf("iteration %d: reload after close: %v", i, gerr)
			}
			switch {
			case err == nil:
				if closed == nil || after != nil {
					t.Fatalf("iteration %d: clean close must archive the trade", i)
				}
			case after != nil:
				checkLegInvariant(t, after)
			}
		}
	}
}
