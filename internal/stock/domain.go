package stock

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// MovementType enumerates supported stock movements.
type MovementType string

const (
	// MovementTypeIn represents an inbound movement.
	MovementTypeIn MovementType = "IN"
	// MovementTypeOut represents an outbound movement.
	MovementTypeOut MovementType = "OUT"
	// MovementTypeTransfer marks transfer meta records.
	MovementTypeTransfer MovementType = "TRANSFER"
	// MovementTypeAdjustment indicates manual adjustments.
	MovementTypeAdjustment MovementType = "ADJUSTMENT"
)

// ReferenceType enumerates the business document behind a movement.
type ReferenceType string

const (
	ReferencePurchase   ReferenceType = "PURCHASE"
	ReferenceSale       ReferenceType = "SALE"
	ReferenceTransfer   ReferenceType = "TRANSFER"
	ReferenceAdjustment ReferenceType = "ADJUSTMENT"
	ReferenceManual     ReferenceType = "MANUAL"
)

// Movement is an immutable ledger fact. Quantity is always non-negative;
// Effect carries the signed contribution to the balance.
type Movement struct {
	ID          int64
	ProductID   int64
	WarehouseID int64
	BatchID     *int64
	Type        MovementType
	Quantity    decimal.Decimal
	Effect      decimal.Decimal
	RefType     ReferenceType
	RefID       string
	RefNumber   string
	ActorID     int64
	Notes       string
	CreatedAt   time.Time
}

// Balance summarises on-hand stock per (product, warehouse, batch) key.
type Balance struct {
	ProductID   int64
	WarehouseID int64
	BatchID     *int64
	Quantity    decimal.Decimal
	Reserved    decimal.Decimal
	UpdatedAt   time.Time
}

// Available returns on-hand minus reservations.
func (b Balance) Available() decimal.Decimal {
	return b.Quantity.Sub(b.Reserved)
}

// Batch represents a manufacturing lot. Created on first receipt, never deleted.
type Batch struct {
	ID              int64
	ProductID       int64
	Number          string
	Barcode         string
	ManufactureDate time.Time
	ExpiryDate      time.Time
	CreatedAt       time.Time
}

// SerialStatus enumerates the lifecycle of a serialized unit.
type SerialStatus string

const (
	SerialInStock  SerialStatus = "IN_STOCK"
	SerialSold     SerialStatus = "SOLD"
	SerialDamaged  SerialStatus = "DAMAGED"
	SerialReturned SerialStatus = "RETURNED"
)

// ProductSerial is one physically serialized unit.
type ProductSerial struct {
	ID          int64
	ProductID   int64
	Number      string
	Status      SerialStatus
	WarehouseID *int64
	BatchID     *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BatchInput carries enough data to resolve or create a batch at receipt.
type BatchInput struct {
	Number          string
	Barcode         string
	ManufactureDate time.Time
	ExpiryDate      time.Time
}

// ReceiveInput describes a purchase receipt.
type ReceiveInput struct {
	ProductID     int64
	WarehouseID   int64
	Quantity      decimal.Decimal
	RefNumber     string
	Notes         string
	ActorID       int64
	BatchID       *int64
	Batch         *BatchInput
	SerialNumbers []string
}

// SaleInput describes a sale confirmation.
type SaleInput struct {
	ProductID     int64
	WarehouseID   int64
	Quantity      decimal.Decimal
	BatchID       *int64
	SerialNumbers []string
	RefNumber     string
	Notes         string
	ActorID       int64
}

// AdjustMethod selects how an adjustment is applied.
type AdjustMethod string

const (
	AdjustIncrease AdjustMethod = "increase"
	AdjustDecrease AdjustMethod = "decrease"
	AdjustSet      AdjustMethod = "set"
)

// AdjustInput describes a manual stock adjustment. For serial-tracked
// products increase names returned serials and decrease names written-off
// ones; the count must match the quantity.
type AdjustInput struct {
	ProductID     int64
	WarehouseID   int64
	BatchID       *int64
	Method        AdjustMethod
	Quantity      decimal.Decimal
	SerialNumbers []string
	Reason        string
	Notes         string
	ActorID       int64
}

// TransferInput describes a transfer between warehouses. Serial-tracked
// products name the units that physically move.
type TransferInput struct {
	ProductID     int64
	FromWarehouse int64
	ToWarehouse   int64
	BatchID       *int64
	Quantity      decimal.Decimal
	SerialNumbers []string
	Notes         string
	ActorID       int64
	AllowNegative bool
}

// MovementFilter filters ledger history reads.
type MovementFilter struct {
	ProductID   int64
	WarehouseID int64
	BatchID     *int64
	From        time.Time
	To          time.Time
	Limit       int
}

// MutationResult reports the movements and resulting balances of one operation.
type MutationResult struct {
	Movements []Movement
	Balances  []Balance
}

// ErrBatchRequired indicates a batch-tracked product was mutated without a batch.
var ErrBatchRequired = errors.New("stock: batch required for batch-tracked product")

// ErrSerialCountMismatch indicates serial count does not equal quantity.
var ErrSerialCountMismatch = errors.New("stock: serial count must equal quantity")

// ErrSerialUnavailable indicates a named serial is missing or not in stock here.
var ErrSerialUnavailable = errors.New("stock: serial not available in warehouse")

// ErrBatchProductMismatch indicates a batch number already belongs to another product.
var ErrBatchProductMismatch = errors.New("stock: batch number belongs to a different product")
