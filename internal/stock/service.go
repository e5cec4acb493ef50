package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockledger/stockledger/internal/masterdata"
	"github.com/stockledger/stockledger/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// MasterdataPort resolves products and warehouses.
type MasterdataPort interface {
	GetProduct(ctx context.Context, id int64) (masterdata.Product, error)
	GetWarehouse(ctx context.Context, id int64) (masterdata.Warehouse, error)
}

// SettingsPort loads the global settings snapshot.
type SettingsPort interface {
	Snapshot(ctx context.Context) (shared.Settings, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// RecomputePort schedules reorder metric recomputation after a mutation.
type RecomputePort interface {
	EnqueueReorderRecompute(ctx context.Context, productID, warehouseID int64) error
}

// Service coordinates stock ledger mutations.
type Service struct {
	repo       RepositoryPort
	masterdata MasterdataPort
	settings   SettingsPort
	audit      AuditPort
	recompute  RecomputePort
}

// NewService builds Service.
func NewService(repo RepositoryPort, md MasterdataPort, settings SettingsPort, audit AuditPort, recompute RecomputePort) *Service {
	return &Service{repo: repo, masterdata: md, settings: settings, audit: audit, recompute: recompute}
}

// ReceivePurchase posts an IN movement for a purchase receipt.
func (s *Service) ReceivePurchase(ctx context.Context, input ReceiveInput) (MutationResult, error) {
	if !input.Quantity.IsPositive() {
		return MutationResult{}, fmt.Errorf("%w: quantity must be positive", shared.ErrValidation)
	}
	product, warehouse, err := s.resolveTarget(ctx, input.ProductID, input.WarehouseID)
	if err != nil {
		return MutationResult{}, err
	}
	if product.TracksSerials && !input.Quantity.Equal(decimal.NewFromInt(int64(len(input.SerialNumbers)))) {
		return MutationResult{}, fmt.Errorf("%w: %w", shared.ErrValidation, ErrSerialCountMismatch)
	}
	if product.TracksBatches && input.BatchID == nil && input.Batch == nil {
		return MutationResult{}, fmt.Errorf("%w: %w", shared.ErrValidation, ErrBatchRequired)
	}

	var result MutationResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		batchID, err := s.resolveBatch(ctx, tx, product, input.BatchID, input.Batch)
		if err != nil {
			return err
		}
		if product.TracksSerials {
			if err := tx.CreateSerials(ctx, product.ID, warehouse.ID, batchID, input.SerialNumbers); err != nil {
				return err
			}
		}
		movement := Movement{
			ProductID:   product.ID,
			WarehouseID: warehouse.ID,
			BatchID:     batchID,
			Type:        MovementTypeIn,
			Quantity:    input.Quantity,
			Effect:      input.Quantity,
			RefType:     ReferencePurchase,
			RefNumber:   input.RefNumber,
			ActorID:     input.ActorID,
			Notes:       input.Notes,
		}
		balance, err := s.applyMovement(ctx, tx, &movement, shared.Settings{AllowNegativeStock: true})
		if err != nil {
			return err
		}
		result = MutationResult{Movements: []Movement{movement}, Balances: []Balance{balance}}
		return nil
	})
	if err != nil {
		return MutationResult{}, err
	}
	s.afterMutation(ctx, "stock:receive", product.ID, input.ActorID, []affectedKey{{product.ID, warehouse.ID}}, map[string]any{
		"warehouse_id": warehouse.ID,
		"quantity":     input.Quantity.String(),
		"ref_number":   input.RefNumber,
	})
	return result, nil
}

// ConfirmSale posts an OUT movement for a confirmed sale.
func (s *Service) ConfirmSale(ctx context.Context, input SaleInput) (MutationResult, error) {
	if !input.Quantity.IsPositive() {
		return MutationResult{}, fmt.Errorf("%w: quantity must be positive", shared.ErrValidation)
	}
	product, warehouse, err := s.resolveTarget(ctx, input.ProductID, input.WarehouseID)
	if err != nil {
		return MutationResult{}, err
	}
	if product.TracksBatches && input.BatchID == nil {
		return MutationResult{}, fmt.Errorf("%w: %w", shared.ErrValidation, ErrBatchRequired)
	}
	if product.TracksSerials && !input.Quantity.Equal(decimal.NewFromInt(int64(len(input.SerialNumbers)))) {
		return MutationResult{}, fmt.Errorf("%w: %w", shared.ErrValidation, ErrSerialCountMismatch)
	}
	settings, err := s.settings.Snapshot(ctx)
	if err != nil {
		return MutationResult{}, err
	}

	var result MutationResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if product.TracksSerials {
			if err := s.sellSerials(ctx, tx, product.ID, warehouse.ID, input.BatchID, input.SerialNumbers); err != nil {
				return err
			}
		}
		movement := Movement{
			ProductID:   product.ID,
			WarehouseID: warehouse.ID,
			BatchID:     input.BatchID,
			Type:        MovementTypeOut,
			Quantity:    input.Quantity,
			Effect:      input.Quantity.Neg(),
			RefType:     ReferenceSale,
			RefNumber:   input.RefNumber,
			ActorID:     input.ActorID,
			Notes:       input.Notes,
		}
		balance, err := s.applyMovement(ctx, tx, &movement, settings)
		if err != nil {
			return err
		}
		result = MutationResult{Movements: []Movement{movement}, Balances: []Balance{balance}}
		return nil
	})
	if err != nil {
		return MutationResult{}, err
	}
	s.afterMutation(ctx, "stock:sale", product.ID, input.ActorID, []affectedKey{{product.ID, warehouse.ID}}, map[string]any{
		"warehouse_id": warehouse.ID,
		"quantity":     input.Quantity.String(),
		"ref_number":   input.RefNumber,
	})
	return result, nil
}

// AdjustStock records a manual adjustment using increase, decrease or set.
func (s *Service) AdjustStock(ctx context.Context, input AdjustInput) (MutationResult, error) {
	switch input.Method {
	case AdjustIncrease, AdjustDecrease:
		if !input.Quantity.IsPositive() {
			return MutationResult{}, fmt.Errorf("%w: quantity must be positive", shared.ErrValidation)
		}
	case AdjustSet:
		if input.Quantity.IsNegative() {
			return MutationResult{}, fmt.Errorf("%w: new quantity must not be negative", shared.ErrValidation)
		}
	default:
		return MutationResult{}, fmt.Errorf("%w: unknown adjust method %q", shared.ErrValidation, input.Method)
	}
	if input.Reason == "" {
		return MutationResult{}, fmt.Errorf("%w: reason required", shared.ErrValidation)
	}
	product, warehouse, err := s.resolveTarget(ctx, input.ProductID, input.WarehouseID)
	if err != nil {
		return MutationResult{}, err
	}
	if product.TracksSerials {
		if input.Method == AdjustSet {
			return MutationResult{}, fmt.Errorf("%w: set is not supported for serial-tracked products, use increase or decrease with serial numbers", shared.ErrValidation)
		}
		if !input.Quantity.Equal(decimal.NewFromInt(int64(len(input.SerialNumbers)))) {
			return MutationResult{}, fmt.Errorf("%w: %w", shared.ErrValidation, ErrSerialCountMismatch)
		}
	}
	settings, err := s.settings.Snapshot(ctx)
	if err != nil {
		return MutationResult{}, err
	}

	var result MutationResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetBalanceForUpdate(ctx, product.ID, warehouse.ID, input.BatchID)
		if err != nil && !errors.Is(err, ErrBalanceNotFound) {
			return err
		}
		var effect decimal.Decimal
		switch input.Method {
		case AdjustIncrease:
			effect = input.Quantity
		case AdjustDecrease:
			effect = input.Quantity.Neg()
		case AdjustSet:
			// A set to the current value still records a zero-quantity
			// movement so the reason stays on the ledger.
			effect = input.Quantity.Sub(current.Quantity)
		}
		newQty := current.Quantity.Add(effect)
		if newQty.IsNegative() && !settings.AllowNegativeStock {
			return fmt.Errorf("%w: product %d warehouse %d", shared.ErrInsufficientStock, product.ID, warehouse.ID)
		}
		if product.TracksSerials {
			if err := s.adjustSerials(ctx, tx, input.Method, product.ID, warehouse.ID, input.BatchID, input.SerialNumbers); err != nil {
				return err
			}
		}
		notes := input.Reason
		if input.Notes != "" {
			notes = fmt.Sprintf("%s: %s", input.Reason, input.Notes)
		}
		movement := Movement{
			ProductID:   product.ID,
			WarehouseID: warehouse.ID,
			BatchID:     input.BatchID,
			Type:        MovementTypeAdjustment,
			Quantity:    effect.Abs(),
			Effect:      effect,
			RefType:     ReferenceAdjustment,
			ActorID:     input.ActorID,
			Notes:       notes,
		}
		movementID, err := tx.InsertMovement(ctx, movement)
		if err != nil {
			return err
		}
		movement.ID = movementID
		current.ProductID = product.ID
		current.WarehouseID = warehouse.ID
		current.BatchID = input.BatchID
		current.Quantity = newQty
		if err := tx.UpsertBalance(ctx, current); err != nil {
			return err
		}
		result = MutationResult{Movements: []Movement{movement}, Balances: []Balance{current}}
		return nil
	})
	if err != nil {
		return MutationResult{}, err
	}
	s.afterMutation(ctx, "stock:adjust", product.ID, input.ActorID, []affectedKey{{product.ID, warehouse.ID}}, map[string]any{
		"warehouse_id": warehouse.ID,
		"method":       string(input.Method),
		"quantity":     input.Quantity.String(),
		"reason":       input.Reason,
	})
	return result, nil
}

// TransferStock moves stock between warehouses as one OUT plus one IN
// sharing a single generated reference id, inside one transaction.
func (s *Service) TransferStock(ctx context.Context, input TransferInput) (MutationResult, error) {
	if !input.Quantity.IsPositive() {
		return MutationResult{}, fmt.Errorf("%w: quantity must be positive", shared.ErrValidation)
	}
	if input.FromWarehouse == input.ToWarehouse {
		return MutationResult{}, fmt.Errorf("%w: source and destination warehouse must differ", shared.ErrValidation)
	}
	product, source, err := s.resolveTarget(ctx, input.ProductID, input.FromWarehouse)
	if err != nil {
		return MutationResult{}, err
	}
	if product.TracksSerials && !input.Quantity.Equal(decimal.NewFromInt(int64(len(input.SerialNumbers)))) {
		return MutationResult{}, fmt.Errorf("%w: %w", shared.ErrValidation, ErrSerialCountMismatch)
	}
	dest, err := s.masterdata.GetWarehouse(ctx, input.ToWarehouse)
	if err != nil {
		return MutationResult{}, err
	}
	settings, err := s.settings.Snapshot(ctx)
	if err != nil {
		return MutationResult{}, err
	}
	if input.AllowNegative {
		settings.AllowNegativeStock = true
	}
	refID := uuid.NewString()

	var result MutationResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Lock balances in warehouse-id order so two opposite transfers
		// cannot deadlock.
		first, second := source.ID, dest.ID
		if first > second {
			first, second = second, first
		}
		balances := map[int64]Balance{}
		for _, warehouseID := range []int64{first, second} {
			bal, err := tx.GetBalanceForUpdate(ctx, product.ID, warehouseID, input.BatchID)
			if err != nil && !errors.Is(err, ErrBalanceNotFound) {
				return err
			}
			balances[warehouseID] = bal
		}

		srcBal := balances[source.ID]
		newSrcQty := srcBal.Quantity.Sub(input.Quantity)
		if newSrcQty.IsNegative() && !settings.AllowNegativeStock {
			return fmt.Errorf("%w: product %d warehouse %d", shared.ErrInsufficientStock, product.ID, source.ID)
		}
		if product.TracksSerials {
			if err := s.relocateSerials(ctx, tx, product.ID, source.ID, dest.ID, input.BatchID, input.SerialNumbers); err != nil {
				return err
			}
		}

		out := Movement{
			ProductID:   product.ID,
			WarehouseID: source.ID,
			BatchID:     input.BatchID,
			Type:        MovementTypeOut,
			Quantity:    input.Quantity,
			Effect:      input.Quantity.Neg(),
			RefType:     ReferenceTransfer,
			RefID:       refID,
			ActorID:     input.ActorID,
			Notes:       fmt.Sprintf("Transfer to %s: %s", dest.Code, input.Notes),
		}
		in := Movement{
			ProductID:   product.ID,
			WarehouseID: dest.ID,
			BatchID:     input.BatchID,
			Type:        MovementTypeIn,
			Quantity:    input.Quantity,
			Effect:      input.Quantity,
			RefType:     ReferenceTransfer,
			RefID:       refID,
			ActorID:     input.ActorID,
			Notes:       fmt.Sprintf("Transfer from %s: %s", source.Code, input.Notes),
		}
		outID, err := tx.InsertMovement(ctx, out)
		if err != nil {
			return err
		}
		out.ID = outID
		inID, err := tx.InsertMovement(ctx, in)
		if err != nil {
			return err
		}
		in.ID = inID

		srcBal.ProductID = product.ID
		srcBal.WarehouseID = source.ID
		srcBal.BatchID = input.BatchID
		srcBal.Quantity = newSrcQty
		if err := tx.UpsertBalance(ctx, srcBal); err != nil {
			return err
		}
		dstBal := balances[dest.ID]
		dstBal.ProductID = product.ID
		dstBal.WarehouseID = dest.ID
		dstBal.BatchID = input.BatchID
		dstBal.Quantity = dstBal.Quantity.Add(input.Quantity)
		if err := tx.UpsertBalance(ctx, dstBal); err != nil {
			return err
		}
		result = MutationResult{Movements: []Movement{out, in}, Balances: []Balance{srcBal, dstBal}}
		return nil
	})
	if err != nil {
		return MutationResult{}, err
	}
	s.afterMutation(ctx, "stock:transfer", product.ID, input.ActorID, []affectedKey{{product.ID, source.ID}, {product.ID, dest.ID}}, map[string]any{
		"from_warehouse": source.ID,
		"to_warehouse":   dest.ID,
		"quantity":       input.Quantity.String(),
		"ref_id":         refID,
	})
	return result, nil
}

// ListMovements lists ledger history for a (product, warehouse) pair.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.ProductID == 0 || filter.WarehouseID == 0 {
		return nil, fmt.Errorf("%w: product and warehouse required", shared.ErrValidation)
	}
	return s.repo.ListMovements(ctx, filter)
}

func (s *Service) resolveTarget(ctx context.Context, productID, warehouseID int64) (masterdata.Product, masterdata.Warehouse, error) {
	product, err := s.masterdata.GetProduct(ctx, productID)
	if err != nil {
		return masterdata.Product{}, masterdata.Warehouse{}, err
	}
	warehouse, err := s.masterdata.GetWarehouse(ctx, warehouseID)
	if err != nil {
		return masterdata.Product{}, masterdata.Warehouse{}, err
	}
	return product, warehouse, nil
}

func (s *Service) resolveBatch(ctx context.Context, tx TxRepository, product masterdata.Product, batchID *int64, input *BatchInput) (*int64, error) {
	if !product.TracksBatches {
		return nil, nil
	}
	if batchID != nil {
		batch, err := tx.GetBatch(ctx, *batchID)
		if err != nil {
			return nil, err
		}
		if batch.ProductID != product.ID {
			return nil, fmt.Errorf("%w: %w", shared.ErrValidation, ErrBatchProductMismatch)
		}
		return &batch.ID, nil
	}
	if input == nil || input.Number == "" {
		return nil, fmt.Errorf("%w: %w", shared.ErrValidation, ErrBatchRequired)
	}
	batch, err := tx.ResolveBatch(ctx, product.ID, *input)
	if err != nil {
		if errors.Is(err, ErrBatchProductMismatch) {
			return nil, fmt.Errorf("%w: %w", shared.ErrValidation, err)
		}
		return nil, err
	}
	return &batch.ID, nil
}

func (s *Service) sellSerials(ctx context.Context, tx TxRepository, productID, warehouseID int64, batchID *int64, numbers []string) error {
	for _, number := range numbers {
		serial, err := tx.GetSerialForUpdate(ctx, productID, number)
		if err != nil {
			return err
		}
		if serial.Status != SerialInStock || serial.WarehouseID == nil || *serial.WarehouseID != warehouseID {
			return fmt.Errorf("%w: %w: %s", shared.ErrValidation, ErrSerialUnavailable, number)
		}
		if batchID != nil && (serial.BatchID == nil || *serial.BatchID != *batchID) {
			return fmt.Errorf("%w: %w: %s", shared.ErrValidation, ErrSerialUnavailable, number)
		}
		if err := tx.UpdateSerial(ctx, serial.ID, SerialSold, nil); err != nil {
			return err
		}
	}
	return nil
}

// relocateSerials moves named units with the transfer so the registry stays
// in step with the balances.
func (s *Service) relocateSerials(ctx context.Context, tx TxRepository, productID, fromWarehouse, toWarehouse int64, batchID *int64, numbers []string) error {
	for _, number := range numbers {
		serial, err := tx.GetSerialForUpdate(ctx, productID, number)
		if err != nil {
			return err
		}
		if serial.Status != SerialInStock || serial.WarehouseID == nil || *serial.WarehouseID != fromWarehouse {
			return fmt.Errorf("%w: %w: %s", shared.ErrValidation, ErrSerialUnavailable, number)
		}
		if batchID != nil && (serial.BatchID == nil || *serial.BatchID != *batchID) {
			return fmt.Errorf("%w: %w: %s", shared.ErrValidation, ErrSerialUnavailable, number)
		}
		dest := toWarehouse
		if err := tx.UpdateSerial(ctx, serial.ID, SerialInStock, &dest); err != nil {
			return err
		}
	}
	return nil
}

// adjustSerials applies the serial side of an adjustment: decrease writes
// named on-hand units off as DAMAGED, increase takes sold units back as
// RETURNED. A RETURNED unit counts in the balance but is not sellable; a
// decrease adjustment writes it off.
func (s *Service) adjustSerials(ctx context.Context, tx TxRepository, method AdjustMethod, productID, warehouseID int64, batchID *int64, numbers []string) error {
	for _, number := range numbers {
		serial, err := tx.GetSerialForUpdate(ctx, productID, number)
		if err != nil {
			return err
		}
		if batchID != nil && (serial.BatchID == nil || *serial.BatchID != *batchID) {
			return fmt.Errorf("%w: %w: %s", shared.ErrValidation, ErrSerialUnavailable, number)
		}
		wh := warehouseID
		switch method {
		case AdjustDecrease:
			onHand := serial.Status == SerialInStock || serial.Status == SerialReturned
			if !onHand || serial.WarehouseID == nil || *serial.WarehouseID != warehouseID {
				return fmt.Errorf("%w: %w: %s", shared.ErrValidation, ErrSerialUnavailable, number)
			}
			if err := tx.UpdateSerial(ctx, serial.ID, SerialDamaged, &wh); err != nil {
				return err
			}
		case AdjustIncrease:
			if serial.Status != SerialSold {
				return fmt.Errorf("%w: %w: %s", shared.ErrValidation, ErrSerialUnavailable, number)
			}
			if err := tx.UpdateSerial(ctx, serial.ID, SerialReturned, &wh); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyMovement inserts the movement and shifts its balance under the row
// lock taken inside the current transaction.
func (s *Service) applyMovement(ctx context.Context, tx TxRepository, movement *Movement, settings shared.Settings) (Balance, error) {
	balance, err := tx.GetBalanceForUpdate(ctx, movement.ProductID, movement.WarehouseID, movement.BatchID)
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return Balance{}, err
	}
	newQty := balance.Quantity.Add(movement.Effect)
	if newQty.IsNegative() && !settings.AllowNegativeStock {
		return Balance{}, fmt.Errorf("%w: product %d warehouse %d", shared.ErrInsufficientStock, movement.ProductID, movement.WarehouseID)
	}
	id, err := tx.InsertMovement(ctx, *movement)
	if err != nil {
		return Balance{}, err
	}
	movement.ID = id
	balance.ProductID = movement.ProductID
	balance.WarehouseID = movement.WarehouseID
	balance.BatchID = movement.BatchID
	balance.Quantity = newQty
	if err := tx.UpsertBalance(ctx, balance); err != nil {
		return Balance{}, err
	}
	return balance, nil
}

type affectedKey struct {
	productID   int64
	warehouseID int64
}

// afterMutation records audit and schedules metric recomputation. Both are
// best effort; the committed mutation is the source of truth.
func (s *Service) afterMutation(ctx context.Context, action string, productID, actorID int64, keys []affectedKey, meta map[string]any) {
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   action,
			Entity:   "stock_movement",
			EntityID: fmt.Sprintf("product:%d", productID),
			Meta:     meta,
			At:       time.Now().UTC(),
		})
	}
	if s.recompute != nil {
		for _, key := range keys {
			_ = s.recompute.EnqueueReorderRecompute(ctx, key.productID, key.warehouseID)
		}
	}
}
