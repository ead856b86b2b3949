package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Chain/internal/assets"
	"Aegis-Chain/internal/llm"
	"Aegis-Chain/internal/proposal"
)

type stubLLM struct {
	extraction *llm.Extraction
	err        error
	calls      int
}

func (s *stubLLM) Extract(_ context.Context, _ llm.Request) (*llm.Extraction, error) {
	s.calls++
	return s.extraction, s.err
}

func TestModelAdapterFinalizesTransferDraft(t *testing.T) {
	bob := common.HexToAddress("0xB0B0000000000000000000000000000000000001")
	directory := NewDirectory()
	directory.Register("Bob", bob)

	client := &stubLLM{extraction: &llm.Extraction{
		Category:    "transfer",
		Amount:      "0.01",
		Destination: "Bob",
	}}
	adapter := NewModelAdapter(client, directory)

	draft, err := adapter.ExtractDraft(context.Background(), "wire a hundredth to bob please")
	if err != nil {
		t.Fatalf("extract draft: %v", err)
	}
	if draft == nil || draft.Category != proposal.CategoryTransfer {
		t.Fatalf("unexpected draft: %+v", draft)
	}
	if draft.Transfer.Destination != bob {
		t.Fatalf("expected resolved destination, got %s", draft.Transfer.Destination.Hex())
	}
	if draft.Transfer.Amount != 10_000_000 {
		t.Fatalf("expected 0.01 scaled by native decimals, got %d", draft.Transfer.Amount)
	}
}

func TestModelAdapterFinalizesAssetDraft(t *testing.T) {
	bob := common.HexToAddress("0xB0B0000000000000000000000000000000000001")
	usdc := common.HexToAddress("0xC0FFEE0000000000000000000000000000000001")
	directory := NewDirectory()
	directory.Register("Bob", bob)
	catalog := assets.NewStaticCatalog(nil)
	catalog.Register(assets.Asset{Symbol: "USDC", Name: "USD Coin", Address: usdc, Decimals: 6})

	client := &stubLLM{extraction: &llm.Extraction{
		Category:    "asset_transfer",
		Amount:      "100",
		Destination: "Bob",
		Asset:       "usdc",
	}}
	adapter := NewModelAdapter(client, directory, WithAdapterCatalog(catalog))

	draft, err := adapter.ExtractDraft(context.Background(), "move a hundred usdc over to bob")
	if err != nil {
		t.Fatalf("extract draft: %v", err)
	}
	if draft == nil || draft.Category != proposal.CategoryAssetTransfer {
		t.Fatalf("unexpected draft: %+v", draft)
	}
	if draft.AssetTransfer.Amount != 100_000_000 {
		t.Fatalf("expected asset decimals scaling, got %d", draft.AssetTransfer.Amount)
	}
	if draft.AssetTransfer.Decimals != 6 {
		t.Fatalf("expected declared decimals carried, got %d", draft.AssetTransfer.Decimals)
	}
}

func TestModelAdapterUnresolvableDraftIsNil(t *testing.T) {
	directory := NewDirectory()
	client := &stubLLM{extraction: &llm.Extraction{
		Category:    "transfer",
		Amount:      "0.01",
		Destination: "Mallory",
	}}
	adapter := NewModelAdapter(client, directory)

	draft, err := adapter.ExtractDraft(context.Background(), "send 0.01 to mallory")
	if err != nil {
		t.Fatalf("extract draft: %v", err)
	}
	if draft != nil {
		t.Fatalf("unknown destination must yield nil draft, got %+v", draft)
	}
}

func TestModelAdapterPropagatesClientError(t *testing.T) {
	adapter := NewModelAdapter(&stubLLM{err: errors.New("model offline")}, NewDirectory())
	if _, err := adapter.ExtractDraft(context.Background(), "send 1 to bob"); err == nil {
		t.Fatalf("expected client error to propagate")
	}
}
