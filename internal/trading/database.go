package trading

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateTrade(t *Trade) error {
	return d.db.Create(t).Error
}

func (d *Database) GetTrade(tradeID string) (*Trade, error) {
	var t Trade
	if err := d.db.Where("trade_id = ?", tradeID).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (d *Database) UpdateTrade(t *Trade) error {
	return d.db.Save(t).Error
}

func (d *Database) ListTrades(userID string, limit int) ([]Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []Trade
	err := d.db.Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Database) ListByStatus(status string) ([]Trade, error) {
	var out []Trade
	if err := d.db.Where("status = ?", status).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListPartial returns every trade still waiting on a leg, oldest first.
// The recovery service scans this on startup.
func (d *Database) ListPartial() ([]Trade, error) {
	return d.ListByStatus(StatusPartiallyFilled)
}

func (d *Database) GetClosedTrade(tradeID string) (*ClosedTrade, error) {
	var ct ClosedTrade
	if err := d.db.Where("trade_id = ?", tradeID).First(&ct).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ct, nil
}

func (d *Database) ListClosedTrades(userID string, limit int) ([]ClosedTrade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []ClosedTrade
	err := d.db.Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ArchiveTrade moves a trade into closed_trades in one transaction, so
// it is never visible in both tables.
func (d *Database) ArchiveTrade(t *Trade, closePremium, futureProfit, spotProfit float64) (*ClosedTrade, error) {
	now := time.Now()
	ct := &ClosedTrade{
		TradeID:          t.TradeID,
		PairingID:        t.PairingID,
		UserID:           t.UserID,
		Direction:        t.Direction,
		Volume:           t.Volume,
		ExecutionPremium: t.ExecutionPremium,
		ClosePremium:     closePremium,
		FutureTicket:     t.FutureTicket,
		FutureProfit:     futureProfit,
		SpotTicket:       t.SpotTicket,
		SpotProfit:       spotProfit,
		TotalProfit:      futureProfit + spotProfit,
		OpenedAt:         t.CreatedAt,
		ClosedAt:         now,
		DurationMs:       now.Sub(t.CreatedAt).Milliseconds(),
	}
	err := d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ct).Error; err != nil {
			return err
		}
		return tx.Delete(t).Error
	})
	if err != nil {
		return nil, err
	}
	return ct, nil
}
