package pairing

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateAccount(acct *VenueAccount) error {
	return d.db.Create(acct).Error
}

func (d *Database) GetAccount(accountID string) (*VenueAccount, error) {
	var acct VenueAccount
	if err := d.db.Where("account_id = ?", accountID).First(&acct).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &acct, nil
}

// SaveToken persists a freshly acquired session token and its expiry.
func (d *Database) SaveToken(accountID, token string, expiresAt time.Time) error {
	return d.db.Model(&VenueAccount{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{"token": token, "token_expires_at": expiresAt}).Error
}

// ClearToken drops a cached token, forcing re-authentication next use.
func (d *Database) ClearToken(accountID string) error {
	return d.db.Model(&VenueAccount{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{"token": "", "token_expires_at": nil}).Error
}

func (d *Database) CreatePairing(p *Pairing) error {
	return d.db.Create(p).Error
}

func (d *Database) GetPairing(pairingID string) (*Pairing, error) {
	var p Pairing
	if err := d.db.Where("pairing_id = ?", pairingID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (d *Database) ListPairings(userID string) ([]Pairing, error) {
	var out []Pairing
	if err := d.db.Where("user_id = ?", userID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListLocked returns every pairing eligible for streaming: symbols
// locked and both legs configured.
func (d *Database) ListLocked() ([]Pairing, error) {
	var out []Pairing
	err := d.db.
		Where("symbols_locked = ? AND future_symbol <> '' AND spot_symbol <> ''", true).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Database) UpdatePairing(p *Pairing) error {
	return d.db.Save(p).Error
}

// RecordOrderLatency stores the most recent per-leg order latency on
// the pairing for display.
func (d *Database) RecordOrderLatency(pairingID string, futureMs, spotMs int64) error {
	now := time.Now()
	return d.db.Model(&Pairing{}).
		Where("pairing_id = ?", pairingID).
		Updates(map[string]any{
			"last_future_latency_ms": futureMs,
			"last_spot_latency_ms":   spotMs,
			"last_order_at":          now,
		}).Error
}

// Legs resolves both venue accounts of a pairing.
func (d *Database) Legs(p *Pairing) (future, spot *VenueAccount, err error) {
	future, err = d.GetAccount(p.FutureAccountID)
	if err != nil {
		return nil, nil, err
	}
	spot, err = d.GetAccount(p.SpotAccountID)
	if err != nil {
		return nil, nil, err
	}
	if future == nil || spot == nil {
		return nil, nil, fmt.Errorf("pairing %s is missing a venue account", p.PairingID)
	}
	return future, spot, nil
}
