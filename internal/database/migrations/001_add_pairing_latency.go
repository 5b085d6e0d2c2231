package migrations

import (
	"gorm.io/gorm"

	"github.com/spreadcore/spread-api/internal/pairing"
)

// AddPairingLatency backfills the per-leg latency columns on pairings
// created before latency tracking existed.
func AddPairingLatency(db *gorm.DB) error {
	m := db.Migrator()
	for _, column := range []string{"last_future_latency_ms", "last_spot_latency_ms", "last_order_at"} {
		if !m.HasColumn(&pairing.Pairing{}, column) {
			if err := m.AddColumn(&pairing.Pairing{}, column); err != nil {
				return err
			}
		}
	}
	return nil
}
