package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Chain/internal/assets"
	"Aegis-Chain/internal/proposal"
)

var (
	requester = common.HexToAddress("0x1200000000000000000000000000000000000012")
	bobAddr   = common.HexToAddress("0x3400000000000000000000000000000000000034")
	usdcAddr  = common.HexToAddress("0x5600000000000000000000000000000000000056")
)

func newTestTranslator(opts ...TranslatorOption) *Translator {
	directory := NewDirectory()
	directory.Register("Bob", bobAddr)
	return NewTranslator(directory, opts...)
}

func TestParseTransferWithRegisteredName(t *testing.T) {
	translator := newTestTranslator()

	result, err := translator.Parse(context.Background(), "send 0.01 to agent Bob", requester)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.Kind != KindProposal {
		t.Fatalf("expected proposal, got %s", result.Kind)
	}
	if result.Confidence != 0.9 {
		t.Fatalf("fixed pattern must carry confidence 0.9, got %f", result.Confidence)
	}
	p := result.Proposal
	if p.Category != proposal.CategoryTransfer {
		t.Fatalf("unexpected category: %s", p.Category)
	}
	if p.Transfer.Destination != bobAddr {
		t.Fatalf("name resolution failed: %s", p.Transfer.Destination.Hex())
	}
	if p.Transfer.Amount != 10_000_000 {
		t.Fatalf("expected 0.01 as 10000000 base units, got %d", p.Transfer.Amount)
	}
}

func TestParseTransferToLiteralAddress(t *testing.T) {
	translator := newTestTranslator()

	text := "transfer 2 to 0x7800000000000000000000000000000000000078"
	result, err := translator.Parse(context.Background(), text, requester)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.Kind != KindProposal {
		t.Fatalf("expected proposal, got %s", result.Kind)
	}
	want := common.HexToAddress("0x7800000000000000000000000000000000000078")
	if result.Proposal.Transfer.Destination != want {
		t.Fatalf("literal address not honored: %s", result.Proposal.Transfer.Destination.Hex())
	}
}

func TestParseTransferUnknownTargetFallsThrough(t *testing.T) {
	translator := newTestTranslator()

	result, err := translator.Parse(context.Background(), "send 1 to nobody", requester)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.Kind != KindUnparseable {
		t.Fatalf("expected unparseable for unresolvable target, got %s", result.Kind)
	}
}

func TestParseMintWithMagnitudeSuffix(t *testing.T) {
	translator := newTestTranslator()

	result, err := translator.Parse(context.Background(), "mint 5m tokens", requester)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.Kind != KindAction || result.Action.Type != ActionMint {
		t.Fatalf("expected mint action, got %+v", result)
	}
	if result.Action.Amount != 5_000_000 {
		t.Fatalf("expected 5m as 5000000, got %d", result.Action.Amount)
	}

	result, err = translator.Parse(context.Background(), "mint 2k tokens", requester)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.Action.Amount != 2_000 {
		t.Fatalf("expected 2k as 2000, got %d", result.Action.Amount)
	}
}

func TestParseCreateAsset(t *testing.T) {
	translator := newTestTranslator()

	result, err := translator.Parse(context.Background(), "create a new token named GOLD with 6 decimals", requester)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.Kind != KindAction || result.Action.Type != ActionCreateAsset {
		t.Fatalf("expected create-asset action, got %+v", result)
	}
	if result.Action.Symbol != "GOLD" || result.Action.Decimals != 6 {
		t.Fatalf("unexpected action payload: %+v", result.Action)
	}
}

func TestParseAssetTransferViaCatalog(t *testing.T) {
	catalog := assets.NewStaticCatalog([]assets.Asset{
		{Symbol: "USDC", Address: usdcAddr, Decimals: 6},
	})
	translator := newTestTranslator(WithCatalog(catalog))

	result, err := translator.Parse(context.Background(), "send 100 usdc to Bob", requester)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.Kind != KindProposal {
		t.Fatalf("expected proposal, got %s", result.Kind)
	}
	p := result.Proposal
	if p.Category != proposal.CategoryAssetTransfer {
		t.Fatalf("unexpected category: %s", p.Category)
	}
	if p.AssetTransfer.Asset != usdcAddr || p.AssetTransfer.Decimals != 6 {
		t.Fatalf("catalog resolution failed: %+v", p.AssetTransfer)
	}
	if p.AssetTransfer.Amount != 100_000_000 {
		t.Fatalf("expected 100 usdc as 100000000 base units, got %d", p.AssetTransfer.Amount)
	}
}

func TestParseAirdropAndBalance(t *testing.T) {
	translator := newTestTranslator()

	result, err := translator.Parse(context.Background(), "request airdrop 1 please", requester)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.Kind != KindAction || result.Action.Type != ActionAirdrop {
		t.Fatalf("expected airdrop action, got %+v", result)
	}
	if result.Action.Amount != 1_000_000_000 {
		t.Fatalf("expected 1 native unit in base units, got %d", result.Action.Amount)
	}

	result, err = translator.Parse(context.Background(), "what is my balance", requester)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.Kind != KindBalanceQuery {
		t.Fatalf("expected balance query, got %s", result.Kind)
	}
}

type stubModel struct {
	draft *Draft
	err   error
	calls int
}

func (s *stubModel) ExtractDraft(_ context.Context, _ string) (*Draft, error) {
	s.calls++
	return s.draft, s.err
}

func TestModelFallback(t *testing.T) {
	model := &stubModel{draft: &Draft{
		Category: proposal.CategoryTransfer,
		Transfer: &proposal.TransferParams{Destination: bobAddr, Amount: 500},
	}}
	translator := newTestTranslator(WithModel(model))

	result, err := translator.Parse(context.Background(), "could you move a tiny bit over to bob when convenient", requester)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if model.calls != 1 {
		t.Fatalf("expected exactly one model consultation, got %d", model.calls)
	}
	if result.Kind != KindProposal {
		t.Fatalf("expected proposal from fallback, got %s", result.Kind)
	}
	if result.Confidence != 0.85 || result.Proposal.Confidence != 0.85 {
		t.Fatalf("model fallback must carry confidence 0.85, got %f", result.Confidence)
	}
}

func TestModelFallbackNotConsultedOnPatternHit(t *testing.T) {
	model := &stubModel{draft: &Draft{Category: proposal.CategoryTransfer}}
	translator := newTestTranslator(WithModel(model))

	if _, err := translator.Parse(context.Background(), "send 1 to Bob", requester); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if model.calls != 0 {
		t.Fatalf("model must not be consulted when a fixed pattern matches")
	}
}

func TestModelFailureYieldsUnparseable(t *testing.T) {
	model := &stubModel{err: errors.New("bridge offline")}
	translator := newTestTranslator(WithModel(model))

	result, err := translator.Parse(context.Background(), "do something clever", requester)
	if err != nil {
		t.Fatalf("model failure must not escape parse: %v", err)
	}
	if result.Kind != KindUnparseable {
		t.Fatalf("expected unparseable on model failure, got %s", result.Kind)
	}
}
