package stock

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stockledger/stockledger/internal/masterdata"
	"github.com/stockledger/stockledger/internal/shared"
)

type memoryRepo struct {
	mu        sync.Mutex
	balances  map[string]Balance
	movements []Movement
	batches   map[int64]Batch
	serials   map[string]ProductSerial
	nextID    int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		balances: make(map[string]Balance),
		batches:  make(map[int64]Batch),
		serials:  make(map[string]ProductSerial),
	}
}

func balanceKey(productID, warehouseID int64, batchID *int64) string {
	if batchID == nil {
		return fmt.Sprintf("%d:%d:-", productID, warehouseID)
	}
	return fmt.Sprintf("%d:%d:%d", productID, warehouseID, *batchID)
}

type memoryTx struct {
	repo *memoryRepo
}

// WithTx serialises callbacks with a mutex, standing in for the row locks a
// real transaction takes.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshotBalances := make(map[string]Balance, len(r.balances))
	for k, v := range r.balances {
		snapshotBalances[k] = v
	}
	snapshotMovements := len(r.movements)
	snapshotSerials := make(map[string]ProductSerial, len(r.serials))
	for k, v := range r.serials {
		snapshotSerials[k] = v
	}
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.balances = snapshotBalances
		r.movements = r.movements[:snapshotMovements]
		r.serials = snapshotSerials
		return err
	}
	return nil
}

func (r *memoryRepo) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Movement
	for _, m := range r.movements {
		if m.ProductID == filter.ProductID && m.WarehouseID == filter.WarehouseID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (tx *memoryTx) GetBalanceForUpdate(ctx context.Context, productID, warehouseID int64, batchID *int64) (Balance, error) {
	if bal, ok := tx.repo.balances[balanceKey(productID, warehouseID, batchID)]; ok {
		return bal, nil
	}
	return Balance{ProductID: productID, WarehouseID: warehouseID, BatchID: batchID}, ErrBalanceNotFound
}

func (tx *memoryTx) UpsertBalance(ctx context.Context, balance Balance) error {
	tx.repo.balances[balanceKey(balance.ProductID, balance.WarehouseID, balance.BatchID)] = balance
	return nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, movement Movement) (int64, error) {
	tx.repo.nextID++
	movement.ID = tx.repo.nextID
	tx.repo.movements = append(tx.repo.movements, movement)
	return movement.ID, nil
}

func (tx *memoryTx) ResolveBatch(ctx context.Context, productID int64, input BatchInput) (Batch, error) {
	for _, b := range tx.repo.batches {
		if b.Number == input.Number {
			if b.ProductID != productID {
				return Batch{}, ErrBatchProductMismatch
			}
			return b, nil
		}
	}
	tx.repo.nextID++
	batch := Batch{ID: tx.repo.nextID, ProductID: productID, Number: input.Number, Barcode: input.Barcode}
	tx.repo.batches[batch.ID] = batch
	return batch, nil
}

func (tx *memoryTx) GetBatch(ctx context.Context, id int64) (Batch, error) {
	if b, ok := tx.repo.batches[id]; ok {
		return b, nil
	}
	return Batch{}, shared.ErrNotFound
}

func (tx *memoryTx) CreateSerials(ctx context.Context, productID, warehouseID int64, batchID *int64, numbers []string) error {
	for _, number := range numbers {
		if _, ok := tx.repo.serials[number]; ok {
			return shared.ErrDuplicate
		}
		tx.repo.nextID++
		wh := warehouseID
		tx.repo.serials[number] = ProductSerial{ID: tx.repo.nextID, ProductID: productID, Number: number, Status: SerialInStock, WarehouseID: &wh, BatchID: batchID}
	}
	return nil
}

func (tx *memoryTx) GetSerialForUpdate(ctx context.Context, productID int64, number string) (ProductSerial, error) {
	if s, ok := tx.repo.serials[number]; ok && s.ProductID == productID {
		return s, nil
	}
	return ProductSerial{}, shared.ErrNotFound
}

func (tx *memoryTx) UpdateSerial(ctx context.Context, id int64, status SerialStatus, warehouseID *int64) error {
	for number, s := range tx.repo.serials {
		if s.ID == id {
			s.Status = status
			s.WarehouseID = warehouseID
			tx.repo.serials[number] = s
			return nil
		}
	}
	return shared.ErrNotFound
}

type fakeMasterdata struct {
	products   map[int64]masterdata.Product
	warehouses map[int64]masterdata.Warehouse
}

func (f *fakeMasterdata) GetProduct(ctx context.Context, id int64) (masterdata.Product, error) {
	if p, ok := f.products[id]; ok {
		return p, nil
	}
	return masterdata.Product{}, fmt.Errorf("product %d: %w", id, shared.ErrNotFound)
}

func (f *fakeMasterdata) GetWarehouse(ctx context.Context, id int64) (masterdata.Warehouse, error) {
	if w, ok := f.warehouses[id]; ok {
		return w, nil
	}
	return masterdata.Warehouse{}, fmt.Errorf("warehouse %d: %w", id, shared.ErrNotFound)
}

type fakeSettings struct {
	settings shared.Settings
}

func (f *fakeSettings) Snapshot(ctx context.Context) (shared.Settings, error) {
	return f.settings, nil
}

func newTestService(repo *memoryRepo, allowNeg bool) *Service {
	md := &fakeMasterdata{
		products: map[int64]masterdata.Product{
			1: {ID: 1, SKU: "PLAIN"},
			2: {ID: 2, SKU: "BATCHED", TracksBatches: true},
			3: {ID: 3, SKU: "SERIAL", TracksSerials: true},
		},
		warehouses: map[int64]masterdata.Warehouse{
			1: {ID: 1, Code: "WH-A"},
			2: {ID: 2, Code: "WH-B"},
		},
	}
	return NewService(repo, md, &fakeSettings{settings: shared.Settings{AllowNegativeStock: allowNeg}}, nil, nil)
}

func qty(v string) decimal.Decimal {
	d, _ := decimal.NewFromString(v)
	return d
}

func TestReceiveThenSaleBalance(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.ReceivePurchase(ctx, ReceiveInput{ProductID: 1, WarehouseID: 1, Quantity: qty("100"), RefNumber: "PO-1"})
	require.NoError(t, err)

	result, err := svc.ConfirmSale(ctx, SaleInput{ProductID: 1, WarehouseID: 1, Quantity: qty("90"), RefNumber: "SO-1"})
	require.NoError(t, err)
	require.True(t, result.Balances[0].Quantity.Equal(qty("10")))

	// Ledger/balance equivalence: the balance equals the sum of effects.
	movements, err := repo.ListMovements(ctx, MovementFilter{ProductID: 1, WarehouseID: 1})
	require.NoError(t, err)
	sum := decimal.Zero
	for _, m := range movements {
		sum = sum.Add(m.Effect)
	}
	require.True(t, sum.Equal(qty("10")))
}

func TestInsufficientStockLeavesBalanceUnchanged(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.ReceivePurchase(ctx, ReceiveInput{ProductID: 1, WarehouseID: 1, Quantity: qty("5")})
	require.NoError(t, err)

	_, err = svc.ConfirmSale(ctx, SaleInput{ProductID: 1, WarehouseID: 1, Quantity: qty("6")})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	bal := repo.balances[balanceKey(1, 1, nil)]
	require.True(t, bal.Quantity.Equal(qty("5")))
	movements, _ := repo.ListMovements(ctx, MovementFilter{ProductID: 1, WarehouseID: 1})
	require.Len(t, movements, 1)
}

func TestConcurrentSalesSingleSuccess(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.ReceivePurchase(ctx, ReceiveInput{ProductID: 1, WarehouseID: 1, Quantity: qty("5")})
	require.NoError(t, err)

	const workers = 4
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ConfirmSale(ctx, SaleInput{ProductID: 1, WarehouseID: 1, Quantity: qty("5")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
		} else {
			require.ErrorIs(t, err, shared.ErrInsufficientStock)
		}
	}
	require.Equal(t, 1, successes)
	require.True(t, repo.balances[balanceKey(1, 1, nil)].Quantity.IsZero())
}

func TestTransferPairing(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.ReceivePurchase(ctx, ReceiveInput{ProductID: 1, WarehouseID: 1, Quantity: qty("50")})
	require.NoError(t, err)
	_, err = svc.ReceivePurchase(ctx, ReceiveInput{ProductID: 1, WarehouseID: 2, Quantity: qty("5")})
	require.NoError(t, err)

	result, err := svc.TransferStock(ctx, TransferInput{ProductID: 1, FromWarehouse: 1, ToWarehouse: 2, Quantity: qty("20")})
	require.NoError(t, err)
	require.Len(t, result.Movements, 2)

	out, in := result.Movements[0], result.Movements[1]
	require.Equal(t, MovementTypeOut, out.Type)
	require.Equal(t, MovementTypeIn, in.Type)
	require.Equal(t, ReferenceTransfer, out.RefType)
	require.NotEmpty(t, out.RefID)
	require.Equal(t, out.RefID, in.RefID)
	require.True(t, out.Quantity.Equal(in.Quantity))

	require.True(t, repo.balances[balanceKey(1, 1, nil)].Quantity.Equal(qty("30")))
	require.True(t, repo.balances[balanceKey(1, 2, nil)].Quantity.Equal(qty("25")))
}

func TestTransferRejectsSameWarehouse(t *testing.T) {
	svc := newTestService(newMemoryRepo(), false)
	_, err := svc.TransferStock(context.Background(), TransferInput{ProductID: 1, FromWarehouse: 1, ToWarehouse: 1, Quantity: qty("1")})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestTransferInsufficientStock(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.ReceivePurchase(ctx, ReceiveInput{ProductID: 1, WarehouseID: 1, Quantity: qty("10")})
	require.NoError(t, err)
	_, err = svc.TransferStock(ctx, TransferInput{ProductID: 1, FromWarehouse: 1, ToWarehouse: 2, Quantity: qty("11")})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	// Neither leg applied.
	movements, _ := repo.ListMovements(ctx, MovementFilter{ProductID: 1, WarehouseID: 2})
	require.Empty(t, movements)
}

func TestAdjustSetRecordsZeroDelta(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.ReceivePurchase(ctx, ReceiveInput{ProductID: 1, WarehouseID: 1, Quantity: qty("10")})
	require.NoError(t, err)

	result, err := svc.AdjustStock(ctx, AdjustInput{ProductID: 1, WarehouseID: 1, Method: AdjustSet, Quantity: qty("10"), Reason: "cycle count"})
	require.NoError(t, err)
	require.True(t, result.Movements[0].Effect.IsZero())
	require.True(t, result.Balances[0].Quantity.Equal(qty("10")))

	movements, _ := repo.ListMovements(ctx, MovementFilter{ProductID: 1, WarehouseID: 1})
	require.Len(t, movements, 2)
}

func TestAdjustDecreaseGuardsNegative(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.AdjustStock(ctx, AdjustInput{ProductID: 1, WarehouseID: 1, Method: AdjustDecrease, Quantity: qty("1"), Reason: "shrinkage"})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	svcNeg := newTestService(repo, true)
	_, err = svcNeg.AdjustStock(ctx, AdjustInput{ProductID: 1, WarehouseID: 1, Method: AdjustDecrease, Quantity: qty("1"), Reason: "shrinkage"})
	require.NoError(t, err)
	require.True(t, repo.balances[balanceKey(1, 1, nil)].Quantity.Equal(qty("-1")))
}

func TestAdjustSetRejectsNegativeTarget(t *testing.T) {
	svc := newTestService(newMemoryRepo(), false)
	_, err := svc.AdjustStock(context.Background(), AdjustInput{ProductID: 1, WarehouseID: 1, Method: AdjustSet, Quantity: qty("-2"), Reason: "bad"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestSerialLifecycle(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.ReceivePurchase(ctx, ReceiveInput{ProductID: 3, WarehouseID: 1, Quantity: qty("2"), SerialNumbers: []string{"SN-1", "SN-2"}})
	require.NoError(t, err)
	require.Equal(t, SerialInStock, repo.serials["SN-1"].Status)

	_, err = svc.ConfirmSale(ctx, SaleInput{ProductID: 3, WarehouseID: 1, Quantity: qty("1"), SerialNumbers: []string{"SN-1"}})
	require.NoError(t, err)
	require.Equal(t, SerialSold, repo.serials["SN-1"].Status)
	require.Nil(t, repo.serials["SN-1"].WarehouseID)

	// Selling the same serial again fails and rolls back.
	_, err = svc.ConfirmSale(ctx, SaleInput{ProductID: 3, WarehouseID: 1, Quantity: qty("1"), SerialNumbers: []string{"SN-1"}})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.True(t, repo.balances[balanceKey(3, 1, nil)].Quantity.Equal(qty("1")))
}

func TestTransferRelocatesSerials(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.ReceivePurchase(ctx, ReceiveInput{ProductID: 3, WarehouseID: 1, Quantity: qty("2"), SerialNumbers: []string{"SN-1", "SN-2"}})
	require.NoError(t, err)

	// Serial-tracked transfers must name the moving units.
	_, err = svc.TransferStock(ctx, TransferInput{ProductID: 3, FromWarehouse: 1, ToWarehouse: 2, Quantity: qty("1")})
	require.ErrorIs(t, err, ErrSerialCountMismatch)

	_, err = svc.TransferStock(ctx, TransferInput{ProductID: 3, FromWarehouse: 1, ToWarehouse: 2, Quantity: qty("1"), SerialNumbers: []string{"SN-1"}})
	require.NoError(t, err)

	// Registry and balances agree on both sides of the move.
	moved := repo.serials["SN-1"]
	require.Equal(t, SerialInStock, moved.Status)
	require.NotNil(t, moved.WarehouseID)
	require.Equal(t, int64(2), *moved.WarehouseID)
	require.Equal(t, int64(1), *repo.serials["SN-2"].WarehouseID)
	require.True(t, repo.balances[balanceKey(3, 1, nil)].Quantity.Equal(qty("1")))
	require.True(t, repo.balances[balanceKey(3, 2, nil)].Quantity.Equal(qty("1")))

	// The relocated unit sells from its new warehouse, not the old one.
	_, err = svc.ConfirmSale(ctx, SaleInput{ProductID: 3, WarehouseID: 1, Quantity: qty("1"), SerialNumbers: []string{"SN-1"}})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = svc.ConfirmSale(ctx, SaleInput{ProductID: 3, WarehouseID: 2, Quantity: qty("1"), SerialNumbers: []string{"SN-1"}})
	require.NoError(t, err)
}

func TestTransferRejectsUnavailableSerial(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.ReceivePurchase(ctx, ReceiveInput{ProductID: 3, WarehouseID: 1, Quantity: qty("2"), SerialNumbers: []string{"SN-1", "SN-2"}})
	require.NoError(t, err)
	_, err = svc.ConfirmSale(ctx, SaleInput{ProductID: 3, WarehouseID: 1, Quantity: qty("1"), SerialNumbers: []string{"SN-1"}})
	require.NoError(t, err)

	_, err = svc.TransferStock(ctx, TransferInput{ProductID: 3, FromWarehouse: 1, ToWarehouse: 2, Quantity: qty("1"), SerialNumbers: []string{"SN-1"}})
	require.ErrorIs(t, err, ErrSerialUnavailable)

	// The failed transfer left no movements behind.
	movements, _ := repo.ListMovements(ctx, MovementFilter{ProductID: 3, WarehouseID: 2})
	require.Empty(t, movements)
	require.True(t, repo.balances[balanceKey(3, 1, nil)].Quantity.Equal(qty("1")))
}

func TestAdjustDecreaseWritesOffSerials(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.ReceivePurchase(ctx, ReceiveInput{ProductID: 3, WarehouseID: 1, Quantity: qty("2"), SerialNumbers: []string{"SN-1", "SN-2"}})
	require.NoError(t, err)

	_, err = svc.AdjustStock(ctx, AdjustInput{ProductID: 3, WarehouseID: 1, Method: AdjustDecrease, Quantity: qty("1"), Reason: "broken in handling"})
	require.ErrorIs(t, err, ErrSerialCountMismatch)

	result, err := svc.AdjustStock(ctx, AdjustInput{ProductID: 3, WarehouseID: 1, Method: AdjustDecrease, Quantity: qty("1"), SerialNumbers: []string{"SN-1"}, Reason: "broken in handling"})
	require.NoError(t, err)
	require.Equal(t, SerialDamaged, repo.serials["SN-1"].Status)
	require.True(t, result.Balances[0].Quantity.Equal(qty("1")))

	// A damaged unit cannot be written off twice.
	_, err = svc.AdjustStock(ctx, AdjustInput{ProductID: 3, WarehouseID: 1, Method: AdjustDecrease, Quantity: qty("1"), SerialNumbers: []string{"SN-1"}, Reason: "broken in handling"})
	require.ErrorIs(t, err, ErrSerialUnavailable)
}

func TestAdjustIncreaseReturnsSoldSerial(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.ReceivePurchase(ctx, ReceiveInput{ProductID: 3, WarehouseID: 1, Quantity: qty("1"), SerialNumbers: []string{"SN-1"}})
	require.NoError(t, err)
	_, err = svc.ConfirmSale(ctx, SaleInput{ProductID: 3, WarehouseID: 1, Quantity: qty("1"), SerialNumbers: []string{"SN-1"}})
	require.NoError(t, err)

	result, err := svc.AdjustStock(ctx, AdjustInput{ProductID: 3, WarehouseID: 1, Method: AdjustIncrease, Quantity: qty("1"), SerialNumbers: []string{"SN-1"}, Reason: "customer return"})
	require.NoError(t, err)
	require.True(t, result.Balances[0].Quantity.Equal(qty("1")))
	returned := repo.serials["SN-1"]
	require.Equal(t, SerialReturned, returned.Status)
	require.Equal(t, int64(1), *returned.WarehouseID)

	// Returned units are on hand but not sellable.
	_, err = svc.ConfirmSale(ctx, SaleInput{ProductID: 3, WarehouseID: 1, Quantity: qty("1"), SerialNumbers: []string{"SN-1"}})
	require.ErrorIs(t, err, ErrSerialUnavailable)
}

func TestAdjustSetRejectedForSerialTracked(t *testing.T) {
	svc := newTestService(newMemoryRepo(), false)
	_, err := svc.AdjustStock(context.Background(), AdjustInput{ProductID: 3, WarehouseID: 1, Method: AdjustSet, Quantity: qty("3"), Reason: "cycle count"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestSerialCountMismatch(t *testing.T) {
	svc := newTestService(newMemoryRepo(), false)
	_, err := svc.ReceivePurchase(context.Background(), ReceiveInput{ProductID: 3, WarehouseID: 1, Quantity: qty("2"), SerialNumbers: []string{"SN-1"}})
	require.ErrorIs(t, err, ErrSerialCountMismatch)
}

func TestBatchRequiredAndResolution(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, false)
	ctx := context.Background()

	_, err := svc.ReceivePurchase(ctx, ReceiveInput{ProductID: 2, WarehouseID: 1, Quantity: qty("10")})
	require.ErrorIs(t, err, ErrBatchRequired)

	result, err := svc.ReceivePurchase(ctx, ReceiveInput{ProductID: 2, WarehouseID: 1, Quantity: qty("10"), Batch: &BatchInput{Number: "B1"}})
	require.NoError(t, err)
	require.NotNil(t, result.Movements[0].BatchID)

	// Sale against a batch product requires the batch key.
	_, err = svc.ConfirmSale(ctx, SaleInput{ProductID: 2, WarehouseID: 1, Quantity: qty("1")})
	require.ErrorIs(t, err, ErrBatchRequired)

	batchID := result.Movements[0].BatchID
	saleResult, err := svc.ConfirmSale(ctx, SaleInput{ProductID: 2, WarehouseID: 1, Quantity: qty("4"), BatchID: batchID})
	require.NoError(t, err)
	require.True(t, saleResult.Balances[0].Quantity.Equal(qty("6")))
}

func TestUnknownProductOrWarehouse(t *testing.T) {
	svc := newTestService(newMemoryRepo(), false)
	ctx := context.Background()

	_, err := svc.ReceivePurchase(ctx, ReceiveInput{ProductID: 99, WarehouseID: 1, Quantity: qty("1")})
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = svc.ReceivePurchase(ctx, ReceiveInput{ProductID: 1, WarehouseID: 99, Quantity: qty("1")})
	require.ErrorIs(t, err, shared.ErrNotFound)
}
