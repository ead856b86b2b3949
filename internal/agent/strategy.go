package agent

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Aegis-Chain/internal/errors"
	"Aegis-Chain/internal/proposal"
)

// ThresholdStrategy 是内置的归集策略：当余额超过保留额度时，
// 将超出部分（不超过单周期上限）转往归集地址。
type ThresholdStrategy struct {
	Destination common.Address
	// Reserve 是账户上始终保留的最小余额，使用原生资产最小单位。
	Reserve uint64
	// MaxPerCycle 限制单个周期的归集金额，0 表示不限制。
	MaxPerCycle uint64
	// Confidence 写入生成提案的置信度，0 时取 1。
	Confidence float64
}

// NewThresholdStrategy 构造归集策略。
func NewThresholdStrategy(destination common.Address, reserve, maxPerCycle uint64) (*ThresholdStrategy, error) {
	if destination == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "归集地址不能为空")
	}
	return &ThresholdStrategy{
		Destination: destination,
		Reserve:     reserve,
		MaxPerCycle: maxPerCycle,
	}, nil
}

// Decide 实现 Strategy。
func (s *ThresholdStrategy) Decide(_ context.Context, obs Observation) (*proposal.Proposal, error) {
	if obs.Balance == nil {
		return nil, nil
	}
	reserve := new(big.Int).SetUint64(s.Reserve)
	if obs.Balance.Cmp(reserve) <= 0 {
		return nil, nil
	}
	excess := new(big.Int).Sub(obs.Balance, reserve)
	amount := uint64(math.MaxUint64)
	if excess.IsUint64() {
		amount = excess.Uint64()
	}
	if s.MaxPerCycle > 0 && amount > s.MaxPerCycle {
		amount = s.MaxPerCycle
	}
	if amount == 0 {
		return nil, nil
	}
	confidence := s.Confidence
	if confidence <= 0 {
		confidence = 1
	}
	description := fmt.Sprintf("归集超出保留额度的余额 %d 至 %s", amount, s.Destination.Hex())
	return proposal.NewTransfer(obs.Principal, proposal.TransferParams{
		Destination: s.Destination,
		Amount:      amount,
	}, description, confidence)
}

var _ Strategy = (*ThresholdStrategy)(nil)
