package swarm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	xerrors "Aegis-Chain/internal/errors"
	"Aegis-Chain/internal/proposal"
	"Aegis-Chain/pkg/logger"
)

// DefaultQuorum 是默认的法定批准比例。
const DefaultQuorum = 0.6

// DefaultNativeDecimals 是原生资产的小数位数，用于把最小单位
// 金额换算到主单位供姿态比较。
const DefaultNativeDecimals = 9

// ConsensusResult 是一轮投票的聚合结果，计算后不可变。
type ConsensusResult struct {
	ProposalID   string    `json:"proposal_id"`
	Votes        []Vote    `json:"votes"`
	ApprovalRate float64   `json:"approval_rate"`
	Quorum       float64   `json:"quorum"`
	Approved     bool      `json:"approved"`
	AmountMajor  float64   `json:"amount_major"`
	DecidedAt    time.Time `json:"decided_at"`
}

// Summary 渲染固定格式的总结字符串，附加到最终执行的操作上，
// 让"为什么"随"做了什么"永久同行。
func (r *ConsensusResult) Summary() string {
	var b strings.Builder
	decision := "REJECTED"
	if r.Approved {
		decision = "APPROVED"
	}
	fmt.Fprintf(&b, "swarm consensus %s | proposal=%s | approval=%.2f quorum=%.2f | amount=%.6f",
		decision, r.ProposalID, r.ApprovalRate, r.Quorum, r.AmountMajor)
	for _, vote := range r.Votes {
		outcome := "reject"
		if vote.Approved {
			outcome = "approve"
		}
		fmt.Fprintf(&b, " | %s:%s(%.2f)", vote.Voter, outcome, vote.Confidence)
	}
	return b.String()
}

// Council 持有注册的投票人集合并执行投票轮。投票人之间互不
// 可见，单轮内没有信息传递，注册顺序只影响展示顺序。
type Council struct {
	mu             sync.RWMutex
	voters         []Voter
	quorum         float64
	nativeDecimals uint8
	pause          time.Duration
	randFloat      func() float64
}

// CouncilOption 定义议会的可选配置。
type CouncilOption func(*Council)

// WithQuorum 设置法定批准比例，必须落在 (0,1]。
func WithQuorum(quorum float64) CouncilOption {
	return func(c *Council) {
		if quorum > 0 && quorum <= 1 {
			c.quorum = quorum
		}
	}
}

// WithNativeDecimals 设置原生资产小数位数。
func WithNativeDecimals(decimals uint8) CouncilOption {
	return func(c *Council) {
		c.nativeDecimals = decimals
	}
}

// WithVotePause 设置投票间的停顿，仅用于交互场景的节奏展示。
func WithVotePause(pause time.Duration) CouncilOption {
	return func(c *Council) {
		c.pause = pause
	}
}

// WithRandSource 注入随机源，测试用。
func WithRandSource(randFloat func() float64) CouncilOption {
	return func(c *Council) {
		c.randFloat = randFloat
	}
}

// NewCouncil 创建一个空议会。
func NewCouncil(opts ...CouncilOption) *Council {
	c := &Council{
		quorum:         DefaultQuorum,
		nativeDecimals: DefaultNativeDecimals,
		randFloat:      rand.Float64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Register 注册一个投票人。
func (c *Council) Register(voter Voter) error {
	if !IsValidPosture(voter.Posture) {
		return xerrors.New(CodeVoterInvalid,
			fmt.Sprintf("voter %q carries unsupported posture %q", voter.Name, voter.Posture))
	}
	if strings.TrimSpace(voter.Name) == "" {
		return xerrors.New(CodeVoterInvalid, "voter name cannot be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.voters {
		if existing.Identity == voter.Identity {
			return xerrors.New(CodeVoterInvalid,
				fmt.Sprintf("voter identity %s already registered", voter.Identity.Hex()))
		}
	}
	c.voters = append(c.voters, voter)
	return nil
}

// Voters 返回注册顺序的投票人列表拷贝。
func (c *Council) Voters() []Voter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Voter, len(c.voters))
	copy(out, c.voters)
	return out
}

// Quorum 返回配置的法定比例。
func (c *Council) Quorum() float64 {
	return c.quorum
}

// Propose 对一个提案执行一轮投票。每个投票人独立判断，
// approvalRate = 批准数 / 总数，达到法定比例即通过。
func (c *Council) Propose(ctx context.Context, p *proposal.Proposal) (*ConsensusResult, error) {
	voters := c.Voters()
	if len(voters) == 0 {
		return nil, xerrors.New(CodeEmptyCouncil,
			fmt.Sprintf("consensus round for proposal %s requires at least one voter", p.ID))
	}

	amountMajor, err := c.amountMajor(p)
	if err != nil {
		return nil, err
	}

	votes := make([]Vote, 0, len(voters))
	approvals := 0
	for i, voter := range voters {
		if c.pause > 0 && i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.pause):
			}
		}
		vote := voter.cast(amountMajor, time.Now(), c.drawSentiment)
		if vote.Approved {
			approvals++
		}
		votes = append(votes, vote)
	}

	result := &ConsensusResult{
		ProposalID:   p.ID,
		Votes:        votes,
		ApprovalRate: float64(approvals) / float64(len(voters)),
		Quorum:       c.quorum,
		AmountMajor:  amountMajor,
		DecidedAt:    time.Now(),
	}
	result.Approved = result.ApprovalRate >= result.Quorum

	logger.AuditEvent("consensus_round",
		"proposal_id", p.ID,
		"approved", result.Approved,
		"approval_rate", result.ApprovalRate,
		"quorum", result.Quorum,
		"voters", len(voters),
	)
	return result, nil
}

// drawSentiment 在 [0.4, 0.8] 上均匀抽取合成情绪值。
func (c *Council) drawSentiment() float64 {
	return 0.4 + c.randFloat()*0.4
}

// amountMajor 把提案金额归一化到主单位。原生资产按配置的
// 小数位换算，合约资产按其声明的小数位换算，两者落在同一
// 阈值语言上。程序调用没有固有金额。
func (c *Council) amountMajor(p *proposal.Proposal) (float64, error) {
	switch p.Category {
	case proposal.CategoryAssetTransfer:
		if p.AssetTransfer == nil {
			return 0, xerrors.New(proposal.CodeProposalMalformed,
				fmt.Sprintf("asset transfer proposal %s missing params", p.ID))
		}
		return float64(p.AssetTransfer.Amount) / math.Pow10(int(p.AssetTransfer.Decimals)), nil
	case proposal.CategoryProgramCall:
		return 0, nil
	default:
		amount, err := p.Amount()
		if err != nil {
			return 0, err
		}
		return float64(amount) / math.Pow10(int(c.nativeDecimals)), nil
	}
}
