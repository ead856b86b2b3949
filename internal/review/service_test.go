package review

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Aegis-Chain/internal/errors"
	"Aegis-Chain/internal/proposal"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error {
	return stdErrors.New("broker unavailable")
}

func (failingProducer) Close() error { return nil }

func TestServiceSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	identity := common.HexToAddress("0xA11CE00000000000000000000000000000000020")

	service := NewService(NewMemoryStore(), NewMemoryQueue(4))
	defer service.Close()

	p, err := proposal.NewTransfer(identity, proposal.TransferParams{
		Destination: common.HexToAddress("0xB0B0000000000000000000000000000000000001"),
		Amount:      500,
	}, "pay bob", 0.9)
	if err != nil {
		t.Fatalf("build proposal: %v", err)
	}

	first, err := service.Submit(ctx, SubmitRequest{ID: "r1", Proposal: p})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", first.Status)
	}

	second, err := service.Submit(ctx, SubmitRequest{ID: "r1", Proposal: p})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID != first.ID || second.CreatedAt != first.CreatedAt {
		t.Fatalf("resubmission must return the existing review")
	}
}

func TestServiceSubmitRejectsInvalidProposal(t *testing.T) {
	ctx := context.Background()
	service := NewService(NewMemoryStore(), NewMemoryQueue(4))
	defer service.Close()

	if _, err := service.Submit(ctx, SubmitRequest{}); err == nil {
		t.Fatalf("expected validation error for missing proposal")
	}

	broken := &proposal.Proposal{ID: "p1", Category: "teleport"}
	if _, err := service.Submit(ctx, SubmitRequest{Proposal: broken}); err == nil {
		t.Fatalf("expected validation error for unsupported category")
	}
}

func TestServiceSubmitPublishFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	identity := common.HexToAddress("0xA11CE00000000000000000000000000000000021")

	store := NewMemoryStore()
	service := NewService(store, failingProducer{})

	p, err := proposal.NewTransfer(identity, proposal.TransferParams{
		Destination: common.HexToAddress("0xB0B0000000000000000000000000000000000001"),
		Amount:      500,
	}, "pay bob", 0.9)
	if err != nil {
		t.Fatalf("build proposal: %v", err)
	}

	_, err = service.Submit(ctx, SubmitRequest{ID: "r1", Proposal: p})
	if err == nil {
		t.Fatalf("expected publish failure")
	}
	if code := xerrors.CodeOf(err); code != CodeReviewPublish {
		t.Fatalf("expected publish error code, got %s", code)
	}

	got, getErr := store.Get(ctx, "r1")
	if getErr != nil {
		t.Fatalf("get review: %v", getErr)
	}
	if got.Status != StatusFailed {
		t.Fatalf("unpublishable review must be marked failed, got %s", got.Status)
	}
}

func TestServiceWaitUntilDecided(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	identity := common.HexToAddress("0xA11CE00000000000000000000000000000000022")

	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(4))

	p, err := proposal.NewTransfer(identity, proposal.TransferParams{
		Destination: common.HexToAddress("0xB0B0000000000000000000000000000000000001"),
		Amount:      500,
	}, "pay bob", 0.9)
	if err != nil {
		t.Fatalf("build proposal: %v", err)
	}
	if _, err := service.Submit(ctx, SubmitRequest{ID: "r1", Proposal: p}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = store.MarkDecided(context.Background(), "r1", Decision{Allowed: true, Reason: "approved"})
	}()

	decided, err := service.WaitUntilDecided(ctx, "r1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait until decided: %v", err)
	}
	if decided.Status != StatusApproved {
		t.Fatalf("expected approved status, got %s", decided.Status)
	}
}
