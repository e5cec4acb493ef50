// Package masterdata holds the product and warehouse reference data the
// stock engine validates against.
package masterdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product describes a sellable item and its tracking requirements.
type Product struct {
	ID            int64
	SKU           string
	Name          string
	TracksBatches bool
	TracksSerials bool
	UnitCost      decimal.Decimal
	ReorderPoint  decimal.Decimal
	LeadTimeDays  int
	SafetyStock   decimal.Decimal
	CreatedAt     time.Time
}

// Warehouse describes a stock location.
type Warehouse struct {
	ID        int64
	Code      string
	Name      string
	Address   string
	CreatedAt time.Time
}
