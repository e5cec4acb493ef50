// Package cli holds the subcommands of the stockledger binary.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stockledger/stockledger/internal/app"
	"github.com/stockledger/stockledger/internal/integrity"
	"github.com/stockledger/stockledger/internal/platform/db"
	"github.com/stockledger/stockledger/internal/shared"
)

// RunVerify runs a full ledger verification and prints every violation.
// Returns exit code 0 for a clean ledger, 1 otherwise.
func RunVerify(ctx context.Context, cfg *app.Config, logger *slog.Logger) (int, error) {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return 1, fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	settings := shared.NewSettingsStore(pool, shared.Settings{AllowNegativeStock: cfg.AllowNegativeStock})
	verifier := integrity.NewVerifier(integrity.NewRepository(pool), settings, logger)

	report, err := verifier.Verify(ctx)
	if err != nil {
		return 1, err
	}

	fmt.Printf("checked %d balance keys, %d transfers in %s\n",
		report.CheckedKeys, report.CheckedTransfers, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	if report.Clean() {
		fmt.Println("ledger is consistent")
		return 0, nil
	}
	for _, violation := range report.Violations {
		switch {
		case violation.RefID != "":
			fmt.Printf("%s ref=%s: %s\n", violation.Kind, violation.RefID, violation.Detail)
		case violation.RequestID != 0:
			fmt.Printf("%s request=%d: %s\n", violation.Kind, violation.RequestID, violation.Detail)
		default:
			fmt.Printf("%s product=%d warehouse=%d: %s (expected %s, actual %s)\n",
				violation.Kind, violation.ProductID, violation.WarehouseID,
				violation.Detail, violation.Expected, violation.Actual)
		}
	}
	fmt.Printf("%d violation(s) found\n", len(report.Violations))
	return 1, nil
}
