package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Chain/internal/proposal"
)

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// DryRunOutcome captures the result of a simulated, non-committing
// execution of a proposal.
type DryRunOutcome struct {
	Success bool
	Logs    []string
	Err     string
}

// ExecutionResult captures the outcome of a committed execution.
type ExecutionResult struct {
	Success bool
	TxHash  common.Hash
	Err     string
}

// Signer is the capability that holds signing authority. The
// authorization layer never invokes it for a denied proposal. The
// annotation is attached to the executed operation when the chain
// supports carried metadata, so the decision record travels with the
// transaction.
type Signer interface {
	DryRun(ctx context.Context, identity common.Address, p *proposal.Proposal) (DryRunOutcome, error)
	Execute(ctx context.Context, identity common.Address, p *proposal.Proposal, annotation string) (ExecutionResult, error)
}

// LedgerReader exposes current balances to the strategy layer. The
// authorization pipeline itself never reads balances; amounts arrive
// embedded in proposals.
type LedgerReader interface {
	BalanceOf(ctx context.Context, identity common.Address) (*big.Int, error)
}

// Client defines the common interface that any chain implementation must
// provide so higher layers can interact with different networks uniformly.
type Client interface {
	Signer
	LedgerReader
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	GenerateIdentity() (common.Address, error)
	Close()
}
