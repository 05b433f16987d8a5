package spending

import (
	"context"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCheckLimitAllowsWhenUnconfigured(t *testing.T) {
	guard := NewGuard(NewMemoryStore(), nil)

	decision, err := guard.CheckLimit(context.Background(), "agent-1", "100")
	if err != nil {
		t.Fatalf("check limit: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected unconfigured identity to be allowed")
	}
}

func TestCheckLimitDisabledAlwaysAllows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.SetLimits(ctx, &Limits{Identity: "agent-1", PerTransaction: "0.01", Enabled: false}); err != nil {
		t.Fatalf("set limits: %v", err)
	}
	guard := NewGuard(store, nil)

	decision, err := guard.CheckLimit(ctx, "agent-1", "100")
	if err != nil {
		t.Fatalf("check limit: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("disabled limits must not deny")
	}
}

func TestCheckLimitPerTransaction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.SetLimits(ctx, &Limits{Identity: "agent-1", PerTransaction: "1.00", Enabled: true}); err != nil {
		t.Fatalf("set limits: %v", err)
	}
	guard := NewGuard(store, nil)

	decision, err := guard.CheckLimit(ctx, "agent-1", "1.00")
	if err != nil {
		t.Fatalf("check limit: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("amount equal to the limit must be allowed")
	}

	decision, err = guard.CheckLimit(ctx, "agent-1", "1.01")
	if err != nil {
		t.Fatalf("check limit: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("amount above the limit must be denied")
	}
	if decision.Reason != "per-transaction limit exceeded" {
		t.Fatalf("unexpected reason: %q", decision.Reason)
	}
}

func TestCheckLimitDailyBoundary(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	if err := store.SetLimits(ctx, &Limits{Identity: "agent-1", Daily: "10", Enabled: true}); err != nil {
		t.Fatalf("set limits: %v", err)
	}
	guard := NewGuard(store, fixedClock(now))

	if err := guard.RecordSpend(ctx, "agent-1", "7.5"); err != nil {
		t.Fatalf("record spend: %v", err)
	}

	// 恰好用满剩余额度：允许。
	decision, err := guard.CheckLimit(ctx, "agent-1", "2.5")
	if err != nil {
		t.Fatalf("check limit: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("spending exactly the remaining budget must be allowed")
	}

	// 超出一分钱：拒绝，且点名日限额。
	decision, err = guard.CheckLimit(ctx, "agent-1", "2.51")
	if err != nil {
		t.Fatalf("check limit: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("spending above the remaining budget must be denied")
	}
	if decision.Reason != "daily limit exceeded" {
		t.Fatalf("unexpected reason: %q", decision.Reason)
	}
}

func TestCheckLimitMonthlyWindowCrossesDays(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.SetLimits(ctx, &Limits{Identity: "agent-1", Monthly: "10", Enabled: true}); err != nil {
		t.Fatalf("set limits: %v", err)
	}

	dayOne := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	dayTwenty := time.Date(2026, 3, 20, 8, 0, 0, 0, time.UTC)

	guard := NewGuard(store, fixedClock(dayOne))
	if err := guard.RecordSpend(ctx, "agent-1", "6"); err != nil {
		t.Fatalf("record spend: %v", err)
	}

	guard = NewGuard(store, fixedClock(dayTwenty))
	decision, err := guard.CheckLimit(ctx, "agent-1", "5")
	if err != nil {
		t.Fatalf("check limit: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("month window must accumulate across days")
	}
	if decision.Reason != "monthly limit exceeded" {
		t.Fatalf("unexpected reason: %q", decision.Reason)
	}

	// 新的月份从零开始。
	nextMonth := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	guard = NewGuard(store, fixedClock(nextMonth))
	decision, err = guard.CheckLimit(ctx, "agent-1", "5")
	if err != nil {
		t.Fatalf("check limit: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("a fresh month must reset accumulated spend")
	}
}
