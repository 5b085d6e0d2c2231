package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/spreadcore/spread-api/internal/database/migrations"
	"github.com/spreadcore/spread-api/internal/pairing"
	"github.com/spreadcore/spread-api/internal/pending"
	"github.com/spreadcore/spread-api/internal/trading"
)

// NewDatabase opens the SQLite store and migrates the fixed schema.
// The per-venue bid/ask tables and per-pairing premium tables are
// created lazily by their owners; only the tables every deployment has
// are migrated here.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&pairing.VenueAccount{},
		&pairing.Pairing{},
		&trading.Trade{},
		&trading.ClosedTrade{},
		&pending.Order{},
	)
	if err != nil {
		return nil, err
	}

	if err := migrations.AddPairingLatency(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
