package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/stockledger/stockledger/internal/shared"
)

// Tolerance bounds acceptable drift between a persisted balance and the sum of
// its movement effects.
var Tolerance = decimal.RequireFromString("0.001")

// ViolationKind enumerates verifier findings.
type ViolationKind string

const (
	ViolationBalanceMismatch ViolationKind = "BALANCE_MISMATCH"
	ViolationTransferPairing ViolationKind = "TRANSFER_PAIRING"
	ViolationNegativeBalance ViolationKind = "NEGATIVE_BALANCE"
	ViolationStalledApproval ViolationKind = "STALLED_APPROVAL"
)

// approvalGrace leaves room for an approve call that is still between its
// status flip and the execution stamp.
const approvalGrace = 5 * time.Minute

// Violation is one finding in a verification report.
type Violation struct {
	Kind        ViolationKind `json:"kind"`
	ProductID   int64         `json:"product_id,omitempty"`
	WarehouseID int64         `json:"warehouse_id,omitempty"`
	BatchID     *int64        `json:"batch_id,omitempty"`
	RefID       string        `json:"ref_id,omitempty"`
	RequestID   int64         `json:"request_id,omitempty"`
	Expected    string        `json:"expected,omitempty"`
	Actual      string        `json:"actual,omitempty"`
	Detail      string        `json:"detail"`
}

// Report is the outcome of one verification run.
type Report struct {
	StartedAt        time.Time   `json:"started_at"`
	FinishedAt       time.Time   `json:"finished_at"`
	BatchAware       bool        `json:"batch_aware"`
	CheckedKeys      int         `json:"checked_keys"`
	CheckedTransfers int         `json:"checked_transfers"`
	Violations       []Violation `json:"violations"`
}

// Clean reports whether the run found no violations.
func (r Report) Clean() bool { return len(r.Violations) == 0 }

// SourcePort supplies the ledger data under verification.
type SourcePort interface {
	HasBatchColumn(ctx context.Context) (bool, error)
	EffectSums(ctx context.Context, byBatch bool) ([]KeySum, error)
	BalanceRows(ctx context.Context, byBatch bool) ([]KeySum, error)
	TransferLegs(ctx context.Context) ([]TransferLeg, error)
	StalledApprovals(ctx context.Context, before time.Time) ([]StalledApproval, error)
}

// SettingsPort exposes the global settings snapshot.
type SettingsPort interface {
	Snapshot(ctx context.Context) (shared.Settings, error)
}

// Verifier cross-checks derived balances against the movement ledger. It only
// reads and never blocks writers.
type Verifier struct {
	source   SourcePort
	settings SettingsPort
	logger   *slog.Logger
}

// NewVerifier constructs the verifier.
func NewVerifier(source SourcePort, settings SettingsPort, logger *slog.Logger) *Verifier {
	return &Verifier{source: source, settings: settings, logger: logger}
}

// Verify runs every check and returns the combined report. The individual
// checks fan out concurrently since each one is an independent read.
func (v *Verifier) Verify(ctx context.Context) (Report, error) {
	report := Report{StartedAt: time.Now().UTC()}

	byBatch, err := v.source.HasBatchColumn(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("integrity: detect schema shape: %w", err)
	}
	report.BatchAware = byBatch

	settings, err := v.settings.Snapshot(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("integrity: load settings: %w", err)
	}

	var mu sync.Mutex
	add := func(violations []Violation, keys, transfers int) {
		mu.Lock()
		defer mu.Unlock()
		report.Violations = append(report.Violations, violations...)
		report.CheckedKeys += keys
		report.CheckedTransfers += transfers
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		violations, keys, err := v.checkBalances(ctx, byBatch, settings.AllowNegativeStock)
		if err != nil {
			return err
		}
		add(violations, keys, 0)
		return nil
	})
	g.Go(func() error {
		violations, transfers, err := v.checkTransferPairs(ctx)
		if err != nil {
			return err
		}
		add(violations, 0, transfers)
		return nil
	})
	g.Go(func() error {
		violations, err := v.checkStalledApprovals(ctx)
		if err != nil {
			return err
		}
		add(violations, 0, 0)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	sortViolations(report.Violations)
	report.FinishedAt = time.Now().UTC()
	if v.logger != nil {
		v.logger.Info("integrity scan finished",
			slog.Int("checked_keys", report.CheckedKeys),
			slog.Int("checked_transfers", report.CheckedTransfers),
			slog.Int("violations", len(report.Violations)))
	}
	return report, nil
}

// checkBalances recomputes each key from the ledger and compares it against
// the persisted balance. Keys appearing on only one side count as mismatches.
func (v *Verifier) checkBalances(ctx context.Context, byBatch, allowNegative bool) ([]Violation, int, error) {
	sums, err := v.source.EffectSums(ctx, byBatch)
	if err != nil {
		return nil, 0, fmt.Errorf("integrity: sum movement effects: %w", err)
	}
	balances, err := v.source.BalanceRows(ctx, byBatch)
	if err != nil {
		return nil, 0, fmt.Errorf("integrity: read balances: %w", err)
	}

	computed := make(map[string]KeySum, len(sums))
	for _, sum := range sums {
		computed[sumKey(sum)] = sum
	}
	persisted := make(map[string]KeySum, len(balances))
	for _, balance := range balances {
		persisted[sumKey(balance)] = balance
	}

	keys := make(map[string]struct{}, len(computed))
	for k := range computed {
		keys[k] = struct{}{}
	}
	for k := range persisted {
		keys[k] = struct{}{}
	}

	var violations []Violation
	for k := range keys {
		expected := decimal.Zero
		actual := decimal.Zero
		ref := KeySum{}
		if sum, ok := computed[k]; ok {
			expected = sum.Quantity
			ref = sum
		}
		if balance, ok := persisted[k]; ok {
			actual = balance.Quantity
			ref = balance
		}
		if expected.Sub(actual).Abs().GreaterThan(Tolerance) {
			violations = append(violations, Violation{
				Kind:        ViolationBalanceMismatch,
				ProductID:   ref.ProductID,
				WarehouseID: ref.WarehouseID,
				BatchID:     ref.BatchID,
				Expected:    expected.String(),
				Actual:      actual.String(),
				Detail:      "persisted balance diverges from ledger sum",
			})
		}
		if !allowNegative && actual.IsNegative() {
			violations = append(violations, Violation{
				Kind:        ViolationNegativeBalance,
				ProductID:   ref.ProductID,
				WarehouseID: ref.WarehouseID,
				BatchID:     ref.BatchID,
				Actual:      actual.String(),
				Detail:      "balance below zero with negative stock disabled",
			})
		}
	}
	return violations, len(keys), nil
}

// checkTransferPairs verifies that every transfer reference groups exactly
// one OUT and one IN leg of equal quantity on the same product.
func (v *Verifier) checkTransferPairs(ctx context.Context) ([]Violation, int, error) {
	legs, err := v.source.TransferLegs(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("integrity: read transfer legs: %w", err)
	}
	groups := make(map[string][]TransferLeg)
	for _, leg := range legs {
		groups[leg.RefID] = append(groups[leg.RefID], leg)
	}

	var violations []Violation
	for refID, group := range groups {
		if len(group) != 2 {
			violations = append(violations, Violation{
				Kind:   ViolationTransferPairing,
				RefID:  refID,
				Detail: fmt.Sprintf("transfer has %d legs, want 2", len(group)),
			})
			continue
		}
		out, in := group[0], group[1]
		if out.Type != "OUT" {
			out, in = in, out
		}
		switch {
		case out.Type != "OUT" || in.Type != "IN":
			violations = append(violations, Violation{
				Kind:      ViolationTransferPairing,
				RefID:     refID,
				ProductID: out.ProductID,
				Detail:    fmt.Sprintf("transfer legs are %s/%s, want OUT/IN", group[0].Type, group[1].Type),
			})
		case out.ProductID != in.ProductID:
			violations = append(violations, Violation{
				Kind:      ViolationTransferPairing,
				RefID:     refID,
				ProductID: out.ProductID,
				Detail:    "transfer legs reference different products",
			})
		case !out.Quantity.Equal(in.Quantity):
			violations = append(violations, Violation{
				Kind:      ViolationTransferPairing,
				RefID:     refID,
				ProductID: out.ProductID,
				Expected:  out.Quantity.String(),
				Actual:    in.Quantity.String(),
				Detail:    "transfer leg quantities differ",
			})
		case out.WarehouseID == in.WarehouseID:
			violations = append(violations, Violation{
				Kind:        ViolationTransferPairing,
				RefID:       refID,
				ProductID:   out.ProductID,
				WarehouseID: out.WarehouseID,
				Detail:      "transfer legs share one warehouse",
			})
		}
	}
	return violations, len(groups), nil
}

// checkStalledApprovals reports approved requests whose staged mutation never
// committed, such as a process crash between the status flip and execution.
func (v *Verifier) checkStalledApprovals(ctx context.Context) ([]Violation, error) {
	stalled, err := v.source.StalledApprovals(ctx, time.Now().UTC().Add(-approvalGrace))
	if err != nil {
		return nil, fmt.Errorf("integrity: read stalled approvals: %w", err)
	}
	var violations []Violation
	for _, s := range stalled {
		violations = append(violations, Violation{
			Kind:      ViolationStalledApproval,
			RequestID: s.RequestID,
			Detail:    fmt.Sprintf("%s request approved at %s has no executed mutation", s.EntityType, s.ReviewedAt.UTC().Format(time.RFC3339)),
		})
	}
	return violations, nil
}

func sumKey(sum KeySum) string {
	if sum.BatchID == nil {
		return fmt.Sprintf("%d:%d:-", sum.ProductID, sum.WarehouseID)
	}
	return fmt.Sprintf("%d:%d:%d", sum.ProductID, sum.WarehouseID, *sum.BatchID)
}

func sortViolations(violations []Violation) {
	sort.Slice(violations, func(i, j int) bool {
		a, b := violations[i], violations[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		if a.WarehouseID != b.WarehouseID {
			return a.WarehouseID < b.WarehouseID
		}
		if a.RefID != b.RefID {
			return a.RefID < b.RefID
		}
		return a.RequestID < b.RequestID
	})
}
