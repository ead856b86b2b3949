package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Chain/internal/principal"
	"Aegis-Chain/internal/proposal"
	"Aegis-Chain/pkg/logger"
)

// spendWindow 是滚动支出与计数上限的统计窗口。
const spendWindow = time.Hour

// DryRunner 是试运行依赖的外部能力。传输错误由管线
// 捕获并转为违规原因，永远不会穿透到调用方。
type DryRunner interface {
	DryRun(ctx context.Context, identity common.Address, p *proposal.Proposal) (DryRunResult, error)
}

// Engine 将一个提案依次通过固定顺序的检查，产出裁决。
// 除停机检查短路外，其余检查全部执行并累积违规，
// 提案方能一次看到完整的拒绝原因。
type Engine struct {
	registry  *principal.Registry
	halt      *HaltSwitch
	dryRunner DryRunner
	now       func() time.Time
}

// Option 定义引擎的可选配置。
type Option func(*Engine)

// WithDryRunner 注入试运行能力。缺省时 RequireDryRun 策略
// 会因能力缺失而产生违规。
func WithDryRunner(runner DryRunner) Option {
	return func(e *Engine) {
		e.dryRunner = runner
	}
}

// WithClock 注入时钟，测试用。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine 创建授权引擎。
func NewEngine(registry *principal.Registry, halt *HaltSwitch, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		halt:     halt,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Halt 返回引擎使用的停机开关。
func (e *Engine) Halt() *HaltSwitch {
	return e.halt
}

// Evaluate 评估一个提案。业务层面的拒绝通过 Verdict 返回，
// 只有畸形提案或未注册主体才返回 error。批准时在主体锁内
// 记录窗口条目，拒绝不改变任何状态。
func (e *Engine) Evaluate(ctx context.Context, p *proposal.Proposal) (*Verdict, error) {
	// 停机检查零计算量，必须是最快的拒绝路径，先于一切执行。
	if active, reason := e.halt.Status(); active {
		verdict := newVerdict([]string{fmt.Sprintf("%s: %s", HaltPrefix, reason)}, nil)
		logger.AuditEvent("proposal_halted",
			"proposal_id", p.ID,
			"principal", p.Principal.Hex(),
			"reason", reason,
		)
		return verdict, nil
	}

	amount, err := p.Amount()
	if err != nil {
		return nil, err
	}

	pr, err := e.registry.Get(p.Principal)
	if err != nil {
		return nil, err
	}

	var verdict *Verdict
	pr.Exclusive(func(policy principal.Policy, state *principal.State) {
		now := e.now()
		violations := e.runChecks(p, amount, policy, state, now)

		var dryRun *DryRunResult
		if len(violations) == 0 && policy.RequireDryRun {
			result := e.runDry(ctx, p)
			dryRun = &result
			if !result.Success {
				violations = append(violations, fmt.Sprintf("Dry-run failed: %s", result.Err))
			}
		}

		if len(violations) == 0 {
			state.Record(now, amount)
		}
		verdict = newVerdict(violations, dryRun)
	})

	logger.AuditEvent("proposal_evaluated",
		"proposal_id", p.ID,
		"principal", p.Principal.Hex(),
		"category", string(p.Category),
		"amount", amount,
		"allowed", verdict.Allowed,
		"violations", verdict.Violations,
	)
	return verdict, nil
}

// runChecks 执行全部内存检查并累积违规，不短路。
func (e *Engine) runChecks(p *proposal.Proposal, amount uint64, policy principal.Policy, state *principal.State, now time.Time) []string {
	var violations []string

	if p.Confidence < policy.MinConfidence {
		violations = append(violations, fmt.Sprintf(
			"Confidence %.2f below required minimum %.2f", p.Confidence, policy.MinConfidence))
	}

	if !policy.CategoryAllowed(p.Category) {
		violations = append(violations, fmt.Sprintf(
			"Category %s is not permitted by policy", p.Category))
	}

	if amount > policy.MaxPerOperation {
		violations = append(violations, fmt.Sprintf(
			"Amount %d exceeds per-operation cap %d", amount, policy.MaxPerOperation))
	}

	cutoff := now.Add(-spendWindow)
	if spent := state.SpentSince(cutoff); spent+amount > policy.MaxPerHour {
		violations = append(violations, fmt.Sprintf(
			"Hourly spend %d plus amount %d would exceed cap %d", spent, amount, policy.MaxPerHour))
	}

	if last := state.LastOperation(); !last.IsZero() {
		if elapsed := now.Sub(last); elapsed < policy.MinInterval {
			violations = append(violations, fmt.Sprintf(
				"Cooldown: %s elapsed since last operation, minimum interval %s",
				elapsed.Round(time.Millisecond), policy.MinInterval))
		}
	}

	if count := state.CountSince(cutoff); count >= policy.MaxCountPerHour {
		violations = append(violations, fmt.Sprintf(
			"Hourly operation count %d reached cap %d", count, policy.MaxCountPerHour))
	}

	// 只有任意程序调用需要过允许列表，其余类别经由固定的系统
	// 能力执行，目标天然受限。
	if p.Category == proposal.CategoryProgramCall && p.ProgramCall != nil {
		if !policy.ProgramAllowed(p.ProgramCall.Program) {
			violations = append(violations, fmt.Sprintf(
				"Program %s is not on the allowed list", p.ProgramCall.Program.Hex()))
		}
	}

	return violations
}

// runDry 执行试运行并把任何传输失败收敛为失败结果。
func (e *Engine) runDry(ctx context.Context, p *proposal.Proposal) DryRunResult {
	if e.dryRunner == nil {
		return DryRunResult{Success: false, Err: "dry-run required but no signer capability configured"}
	}
	result, err := e.dryRunner.DryRun(ctx, p.Principal, p)
	if err != nil {
		return DryRunResult{Success: false, Err: err.Error()}
	}
	return result
}
