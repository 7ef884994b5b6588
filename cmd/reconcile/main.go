// Command reconcile runs the monthly reconciliation directly against the
// database, for cron jobs and operators. The API exposes the same entry
// points over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"hourbank.org/internal/auth"
	"hourbank.org/internal/config"
	"hourbank.org/internal/obs"
	"hourbank.org/internal/recon"
	pgstore "hourbank.org/internal/store/pg"
)

var (
	flagDSN    string
	flagTenant string
	flagActor  string
	flagFrom   string
	flagTo     string
)

func main() {
	log.SetFlags(0)

	root := &cobra.Command{
		Use:           "reconcile",
		Short:         "Run monthly hour-debt reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDSN, "dsn", os.Getenv("HOURBANK_PG_DSN"), "PostgreSQL DSN")
	root.PersistentFlags().StringVar(&flagTenant, "tenant", "", "tenant to reconcile")
	root.PersistentFlags().StringVar(&flagActor, "actor", "reconcile-job", "actor recorded in the audit trail")
	root.PersistentFlags().StringVar(&flagFrom, "from", "", "range start, YYYY-MM-DD (default: previous month)")
	root.PersistentFlags().StringVar(&flagTo, "to", "", "range end, YYYY-MM-DD")

	root.AddCommand(&cobra.Command{
		Use:   "review",
		Short: "Top up missed deductions without deleting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), func(ctx context.Context, e *recon.Engine, rng recon.Range) (any, error) {
				return e.Review(ctx, rng)
			})
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "correct",
		Short: "Rebuild the range's deductions from scratch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), func(ctx context.Context, e *recon.Engine, rng recon.Range) (any, error) {
				return e.Correct(ctx, rng)
			})
		},
	})

	if err := root.Execute(); err != nil {
		log.Fatalf("reconcile: %v", err)
	}
}

func run(ctx context.Context, fn func(context.Context, *recon.Engine, recon.Range) (any, error)) error {
	obs.Init()
	if flagDSN == "" {
		return errors.New("missing DSN: provide via --dsn or HOURBANK_PG_DSN")
	}
	if flagTenant == "" {
		return errors.New("--tenant is required")
	}
	rng, err := parseRange(flagFrom, flagTo)
	if err != nil {
		return err
	}

	cfg, err := config.Load(os.Getenv("HOURBANK_CONFIG"))
	if err != nil {
		return err
	}

	store, err := pgstore.Open(flagDSN)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.DB().Close()

	engine := &recon.Engine{
		Ledger:    store,
		Time:      pgstore.NewTimeSource(store.DB()),
		Threshold: cfg.Recon.DailyThresholdMinutes,
		Workers:   cfg.Recon.Workers,
	}

	scope := auth.Scope{TenantID: flagTenant, ActorID: flagActor, Roles: []string{auth.RoleAdmin}}
	ctx = auth.ContextWithScope(ctx, scope)

	report, err := fn(ctx, engine, rng)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func parseRange(from, to string) (recon.Range, error) {
	var rng recon.Range
	if from == "" && to == "" {
		return rng, nil
	}
	if from == "" || to == "" {
		return rng, errors.New("--from and --to must be given together")
	}
	f, err := time.Parse(time.DateOnly, from)
	if err != nil {
		return rng, fmt.Errorf("parse --from: %w", err)
	}
	t, err := time.Parse(time.DateOnly, to)
	if err != nil {
		return rng, fmt.Errorf("parse --to: %w", err)
	}
	if t.Before(f) {
		return rng, errors.New("--to must not precede --from")
	}
	rng.From, rng.To = f, t
	return rng, nil
}
