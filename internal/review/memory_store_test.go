package review

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Chain/internal/proposal"
)

func newTestReview(t *testing.T, id string, principal common.Address, amount uint64) *Review {
	t.Helper()
	p, err := proposal.NewTransfer(principal, proposal.TransferParams{
		Destination: common.HexToAddress("0xB0B0000000000000000000000000000000000001"),
		Amount:      amount,
	}, "test transfer", 0.9)
	if err != nil {
		t.Fatalf("build proposal: %v", err)
	}
	return &Review{ID: id, Proposal: p, Status: StatusPending}
}

func TestMemoryStoreClaimTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	principal := common.HexToAddress("0xA11CE00000000000000000000000000000000001")

	if err := store.Create(ctx, newTestReview(t, "r1", principal, 100)); err != nil {
		t.Fatalf("create review: %v", err)
	}

	claimed, err := store.Claim(ctx, "r1")
	if err != nil {
		t.Fatalf("claim pending review: %v", err)
	}
	if claimed.Status != StatusEvaluating {
		t.Fatalf("expected evaluating status, got %s", claimed.Status)
	}

	if _, err := store.Claim(ctx, "r1"); !stdErrors.Is(err, ErrReviewConflict) {
		t.Fatalf("expected conflict on double claim, got %v", err)
	}

	decision := Decision{Allowed: false, Reason: "denied", Violations: []string{"over cap"}}
	if err := store.MarkDecided(ctx, "r1", decision); err != nil {
		t.Fatalf("mark decided: %v", err)
	}
	if _, err := store.Claim(ctx, "r1"); !stdErrors.Is(err, ErrReviewDecided) {
		t.Fatalf("expected decided error after terminal state, got %v", err)
	}
	if err := store.MarkFailed(ctx, "r1", CodeReviewProcessing, "late failure"); !stdErrors.Is(err, ErrReviewDecided) {
		t.Fatalf("terminal review must not flip to failed, got %v", err)
	}

	got, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if got.Status != StatusDenied {
		t.Fatalf("expected denied status, got %s", got.Status)
	}
	if got.Decision == nil || len(got.Decision.Violations) != 1 {
		t.Fatalf("expected decision with one violation, got %+v", got.Decision)
	}
}

func TestMemoryStoreDecisionDerivesStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	principal := common.HexToAddress("0xA11CE00000000000000000000000000000000002")

	if err := store.Create(ctx, newTestReview(t, "r1", principal, 100)); err != nil {
		t.Fatalf("create review: %v", err)
	}
	if err := store.MarkDecided(ctx, "r1", Decision{Allowed: true, Reason: "approved", TxHash: "0xabc"}); err != nil {
		t.Fatalf("mark decided: %v", err)
	}
	got, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if got.Status != StatusApproved {
		t.Fatalf("expected approved status, got %s", got.Status)
	}
	if got.Decision.TxHash != "0xabc" {
		t.Fatalf("expected recorded tx hash, got %q", got.Decision.TxHash)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	alice := common.HexToAddress("0xA11CE00000000000000000000000000000000001")
	bob := common.HexToAddress("0xB0B0000000000000000000000000000000000002")

	base := time.Now().Add(-2 * time.Minute)

	reviews := []*Review{
		newTestReview(t, "r1", alice, 100),
		newTestReview(t, "r2", alice, 200),
		newTestReview(t, "r3", bob, 300),
	}
	for _, review := range reviews {
		if err := store.Create(ctx, review); err != nil {
			t.Fatalf("create review %s: %v", review.ID, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "r2", CodeReviewProcessing, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkDecided(ctx, "r3", Decision{Allowed: true, Reason: "approved"}); err != nil {
		t.Fatalf("mark decided: %v", err)
	}

	store.mu.Lock()
	store.reviews["r1"].UpdatedAt = base.Unix()
	store.reviews["r2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.reviews["r3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 reviews, got %d", len(all))
	}
	if all[0].ID != "r3" {
		t.Fatalf("expected newest review first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "r2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	decided, err := store.List(ctx, buildListOptions([]ListOption{WithDecisionPresence(true)}))
	if err != nil {
		t.Fatalf("list decided: %v", err)
	}
	if len(decided) != 1 || decided[0].ID != "r3" {
		t.Fatalf("unexpected decided list: %+v", decided)
	}

	mine, err := store.List(ctx, buildListOptions([]ListOption{WithPrincipal(alice.Hex())}))
	if err != nil {
		t.Fatalf("list by principal: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 reviews for principal, got %d", len(mine))
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 reviews to match since filter, got %d", len(recent))
	}

	matched, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("boom")}))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "r2" {
		t.Fatalf("unexpected query list: %+v", matched)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	principal := common.HexToAddress("0xA11CE00000000000000000000000000000000003")

	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		if err := store.Create(ctx, newTestReview(t, id, principal, 100)); err != nil {
			t.Fatalf("create review %s: %v", id, err)
		}
	}
	if _, err := store.Claim(ctx, "r2"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkDecided(ctx, "r3", Decision{Allowed: true, Reason: "approved"}); err != nil {
		t.Fatalf("mark approved: %v", err)
	}
	if err := store.MarkDecided(ctx, "r4", Decision{Allowed: false, Reason: "denied"}); err != nil {
		t.Fatalf("mark denied: %v", err)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Pending != 1 || stats.Evaluating != 1 || stats.Approved != 1 || stats.Denied != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt == 0 || stats.OldestUpdatedAt == 0 {
		t.Fatalf("expected populated time bounds: %+v", stats)
	}
}

func TestMemoryStoreCreateConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	principal := common.HexToAddress("0xA11CE00000000000000000000000000000000004")

	if err := store.Create(ctx, newTestReview(t, "r1", principal, 100)); err != nil {
		t.Fatalf("create review: %v", err)
	}
	if err := store.Create(ctx, newTestReview(t, "r1", principal, 100)); !stdErrors.Is(err, ErrReviewConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}
}
