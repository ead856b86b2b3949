package swarm

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Chain/internal/proposal"
)

var (
	swarmPrincipal = common.HexToAddress("0x1100000000000000000000000000000000000011")
	swarmDest      = common.HexToAddress("0x2200000000000000000000000000000000000022")
	swarmAsset     = common.HexToAddress("0x3300000000000000000000000000000000000033")
)

func voterAddr(i int) common.Address {
	return common.HexToAddress(fmt.Sprintf("0x%040x", 0xf000+i))
}

func defaultCouncil(t *testing.T, opts ...CouncilOption) *Council {
	t.Helper()
	council := NewCouncil(opts...)
	voters := []Voter{
		{Identity: voterAddr(1), Name: "maverick", Posture: PostureRiskTolerant},
		{Identity: voterAddr(2), Name: "steward", Posture: PostureCapitalPreserving},
		{Identity: voterAddr(3), Name: "metronome", Posture: PostureConsistencyFavoring},
	}
	for _, voter := range voters {
		if err := council.Register(voter); err != nil {
			t.Fatalf("register %s: %v", voter.Name, err)
		}
	}
	return council
}

// 原生金额按 9 位小数换算为主单位。
func transferMajor(t *testing.T, major float64) *proposal.Proposal {
	t.Helper()
	amount := uint64(major * 1e9)
	p, err := proposal.NewTransfer(swarmPrincipal, proposal.TransferParams{
		Destination: swarmDest,
		Amount:      amount,
	}, "swarm transfer", 0.9)
	if err != nil {
		t.Fatalf("new transfer: %v", err)
	}
	return p
}

func TestDeterministicPosturesRejectAboveCutoff(t *testing.T) {
	// 随机源固定为最高情绪，验证两个确定性姿态完全不受随机影响。
	council := defaultCouncil(t, WithRandSource(func() float64 { return 1.0 }))

	result, err := council.Propose(context.Background(), transferMajor(t, 0.1))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	byName := make(map[string]Vote, len(result.Votes))
	for _, vote := range result.Votes {
		byName[vote.Voter] = vote
	}
	if byName["steward"].Approved {
		t.Fatalf("capital-preserving must reject 0.1 against cutoff 0.015")
	}
	if byName["metronome"].Approved {
		t.Fatalf("consistency-favoring must reject 0.1 against cutoff 0.01")
	}
	// 风险容忍独木难支: 1/3 < 0.6。
	if result.Approved {
		t.Fatalf("one approval out of three cannot reach quorum 0.6")
	}
}

func TestSmallAmountPassesUnanimously(t *testing.T) {
	council := defaultCouncil(t, WithRandSource(func() float64 { return 0.0 }))

	result, err := council.Propose(context.Background(), transferMajor(t, 0.004))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	for _, vote := range result.Votes {
		if !vote.Approved {
			t.Fatalf("voter %s rejected amount below every threshold: %s", vote.Voter, vote.Reasoning)
		}
	}
	if !result.Approved || result.ApprovalRate != 1.0 {
		t.Fatalf("expected unanimous approval, got %+v", result)
	}
}

func TestQuorumArithmetic(t *testing.T) {
	// 用确定性姿态构造 0..N 所有可能的批准数。
	const total = 5
	const quorum = 0.6
	for approvals := 0; approvals <= total; approvals++ {
		council := NewCouncil(WithQuorum(quorum))
		for i := 0; i < total; i++ {
			voter := Voter{
				Identity: voterAddr(100 + i),
				Name:     fmt.Sprintf("voter-%d", i),
				Posture:  PostureCapitalPreserving,
			}
			if i >= approvals {
				// 阈值压到金额之下，强制拒绝。
				voter.Threshold = 0.0001
			} else {
				voter.Threshold = 1.0
			}
			if err := council.Register(voter); err != nil {
				t.Fatalf("register voter %d: %v", i, err)
			}
		}
		result, err := council.Propose(context.Background(), transferMajor(t, 0.5))
		if err != nil {
			t.Fatalf("propose with %d approvals: %v", approvals, err)
		}
		wantRate := float64(approvals) / float64(total)
		if result.ApprovalRate != wantRate {
			t.Fatalf("approvals=%d: rate %.2f, want %.2f", approvals, result.ApprovalRate, wantRate)
		}
		if want := wantRate >= quorum; result.Approved != want {
			t.Fatalf("approvals=%d: approved=%v, want %v", approvals, result.Approved, want)
		}
	}
}

func TestReasoningStringsDiffer(t *testing.T) {
	council := defaultCouncil(t, WithRandSource(func() float64 { return 0.5 }))

	result, err := council.Propose(context.Background(), transferMajor(t, 0.1))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	seen := make(map[string]string)
	for _, vote := range result.Votes {
		if vote.Reasoning == "" {
			t.Fatalf("voter %s cast without reasoning", vote.Voter)
		}
		if !strings.Contains(vote.Reasoning, "0.1") {
			t.Fatalf("reasoning must reference the amount: %q", vote.Reasoning)
		}
		for other, reasoning := range seen {
			if reasoning == vote.Reasoning {
				t.Fatalf("voters %s and %s share reasoning %q", other, vote.Voter, reasoning)
			}
		}
		seen[vote.Voter] = vote.Reasoning
	}
}

func TestAssetAmountNormalizedByDecimals(t *testing.T) {
	council := defaultCouncil(t, WithRandSource(func() float64 { return 0.0 }))

	// 5000 个最小单位在 6 位小数下是 0.005 主单位，低于所有阈值。
	p, err := proposal.NewAssetTransfer(swarmPrincipal, proposal.AssetTransferParams{
		Asset:       swarmAsset,
		Destination: swarmDest,
		Amount:      5_000,
		Decimals:    6,
	}, "token move", 0.9)
	if err != nil {
		t.Fatalf("new asset transfer: %v", err)
	}
	result, err := council.Propose(context.Background(), p)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if result.AmountMajor != 0.005 {
		t.Fatalf("expected normalized amount 0.005, got %f", result.AmountMajor)
	}
	if !result.Approved {
		t.Fatalf("expected approval for tiny normalized amount, got %+v", result)
	}
}

func TestSummaryFormat(t *testing.T) {
	council := defaultCouncil(t, WithRandSource(func() float64 { return 1.0 }))

	result, err := council.Propose(context.Background(), transferMajor(t, 0.1))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	summary := result.Summary()
	if !strings.Contains(summary, "REJECTED") {
		t.Fatalf("summary must carry the decision: %q", summary)
	}
	if !strings.Contains(summary, "quorum=0.60") {
		t.Fatalf("summary must carry the quorum: %q", summary)
	}
	for _, name := range []string{"maverick", "steward", "metronome"} {
		if !strings.Contains(summary, name) {
			t.Fatalf("summary missing voter %s: %q", name, summary)
		}
	}
}

func TestEmptyCouncilAndDuplicateVoter(t *testing.T) {
	council := NewCouncil()
	if _, err := council.Propose(context.Background(), transferMajor(t, 0.001)); err == nil {
		t.Fatalf("expected error for empty council")
	}

	voter := Voter{Identity: voterAddr(1), Name: "maverick", Posture: PostureRiskTolerant}
	if err := council.Register(voter); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := council.Register(voter); err == nil {
		t.Fatalf("expected duplicate identity rejection")
	}
	if err := council.Register(Voter{Identity: voterAddr(9), Name: "odd", Posture: Posture("gambler")}); err == nil {
		t.Fatalf("expected unsupported posture rejection")
	}
}
