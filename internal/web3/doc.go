// Package web3 houses blockchain connectivity capabilities: the Signer
// that executes authorized proposals, the LedgerReader that exposes
// balances to the strategy layer, and multi-chain configuration helpers.
// Signing authority lives exclusively behind these interfaces so that no
// strategy or translator ever holds the means to execute unchecked.
package web3
