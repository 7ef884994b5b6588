// Command smoke exercises the in-memory ledger and reconciliation end to
// end: two debts, one long day, the older debt is cleared first and the
// remainder lands on the newer one.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"hourbank.org/internal/auth"
	"hourbank.org/internal/ledger"
	"hourbank.org/internal/recon"
	"hourbank.org/internal/timesource"
)

func main() {
	log.SetFlags(0)

	scope := auth.Scope{TenantID: "smoke", ActorID: "smoke-admin", Roles: []string{auth.RoleAdmin}}
	ctx := auth.ContextWithScope(context.Background(), scope)

	svc := ledger.NewInMemory(nil)

	day := func(s string) time.Time {
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			log.Fatalf("parse %s: %v", s, err)
		}
		return t
	}

	debtA, err := svc.CreateDebt(ctx, ledger.CreateDebtInput{
		DebtorID: "user-1", Date: day("2024-01-05"), MinutesOwed: 120, Reason: "medical appointment",
	})
	if err != nil {
		log.Fatalf("create debt A: %v", err)
	}
	debtB, err := svc.CreateDebt(ctx, ledger.CreateDebtInput{
		DebtorID: "user-1", Date: day("2024-01-20"), MinutesOwed: 60,
	})
	if err != nil {
		log.Fatalf("create debt B: %v", err)
	}

	ts := timesource.NewMemory()
	ts.Add("smoke", timesource.Record{ID: "tr-1", UserID: "user-1", Date: day("2024-02-01"), Minutes: 600})

	engine := &recon.Engine{Ledger: svc, Time: ts, Threshold: 480}
	report, err := engine.Review(ctx, recon.Range{From: day("2024-02-01"), To: day("2024-02-29")})
	if err != nil {
		log.Fatalf("review: %v", err)
	}
	if report.MinutesApplied != 120 {
		log.Fatalf("expected 120 minutes applied, got %d", report.MinutesApplied)
	}

	// 600 worked, 480 threshold: 120 excess clears debt A entirely.
	a, err := svc.GetDebt(ctx, debtA.ID)
	if err != nil {
		log.Fatalf("get debt A: %v", err)
	}
	if a.Status != ledger.StatusFullyPaid || a.RemainingMinutes != 0 {
		log.Fatalf("debt A not cleared: status=%s remaining=%d", a.Status, a.RemainingMinutes)
	}

	balance, err := svc.GetBalance(ctx, "user-1")
	if err != nil {
		log.Fatalf("balance: %v", err)
	}
	if balance != 60 {
		log.Fatalf("expected balance 60, got %d", balance)
	}

	// Correct over the same range is a no-op on a consistent state.
	corr, err := engine.Correct(ctx, recon.Range{From: day("2024-02-01"), To: day("2024-02-29")})
	if err != nil {
		log.Fatalf("correct: %v", err)
	}
	if corr.AppliedMinutes != corr.ReversedMinutes {
		log.Fatalf("correct not idempotent: reversed=%d applied=%d", corr.ReversedMinutes, corr.AppliedMinutes)
	}

	balance, err = svc.GetBalance(ctx, "user-1")
	if err != nil {
		log.Fatalf("balance after correct: %v", err)
	}
	if balance != 60 {
		log.Fatalf("balance drifted after correct: %d", balance)
	}

	fmt.Printf("✅ ledger smoke test passed: debts=%s,%s balance=%d\n", debtA.ID, debtB.ID, balance)
}
