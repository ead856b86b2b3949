package agent

import (
	"context"
	stdErrors "errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Aegis-Chain/internal/errors"
	"Aegis-Chain/internal/proposal"
	"Aegis-Chain/internal/review"
	"Aegis-Chain/internal/web3"
	"Aegis-Chain/pkg/logger"
)

// Observation 是一次策略周期开始时采集到的账本状态。
type Observation struct {
	Principal common.Address `json:"principal"`
	Balance   *big.Int       `json:"balance"`
	Cycle     uint64         `json:"cycle"`
	At        time.Time      `json:"at"`
}

// Strategy 在每个周期根据账本观测决定是否发起提案。
// 返回 nil 提案表示本周期不行动。
type Strategy interface {
	Decide(ctx context.Context, obs Observation) (*proposal.Proposal, error)
}

// Submitter 接收策略产出的提案并送入审查管线。
// review.Service 满足该接口。
type Submitter interface {
	Submit(ctx context.Context, req review.SubmitRequest) (*review.Review, error)
}

// CycleReport 记录一个策略周期的结果，供外部巡检。
type CycleReport struct {
	Cycle     uint64    `json:"cycle"`
	Balance   string    `json:"balance"`
	Acted     bool      `json:"acted"`
	ReviewID  string    `json:"review_id,omitempty"`
	Err       string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Agent 替单个负责人周期性观测余额并通过策略发起提案。
// 提案一律进入审查管线，Agent 自身不具备任何放行能力。
type Agent struct {
	identity  common.Address
	reader    web3.LedgerReader
	submitter Submitter
	strategy  Strategy

	interval     time.Duration
	cycleTimeout time.Duration
	historyDepth int

	mu      sync.Mutex
	cycle   uint64
	history []CycleReport

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

const (
	defaultInterval     = time.Minute
	defaultCycleTimeout = 30 * time.Second
	// defaultHistoryDepth 是保留的周期报告数量的默认值。
	defaultHistoryDepth = 32
)

// WithInterval 设置策略周期的间隔。
func WithInterval(interval time.Duration) Option {
	return func(a *Agent) {
		if interval > 0 {
			a.interval = interval
		}
	}
}

// WithCycleTimeout 设置单个周期的超时时间。
func WithCycleTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.cycleTimeout = 0
			return
		}
		a.cycleTimeout = timeout
	}
}

// WithHistoryDepth 设置保留的周期报告数量。
func WithHistoryDepth(depth int) Option {
	return func(a *Agent) {
		a.historyDepth = depth
	}
}

// New 创建一个 Agent。
func New(identity common.Address, reader web3.LedgerReader, submitter Submitter, strategy Strategy, opts ...Option) *Agent {
	ag := &Agent{
		identity:     identity,
		reader:       reader,
		submitter:    submitter,
		strategy:     strategy,
		interval:     defaultInterval,
		cycleTimeout: defaultCycleTimeout,
		historyDepth: defaultHistoryDepth,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.historyDepth <= 0 {
		ag.historyDepth = defaultHistoryDepth
	}
	return ag
}

// Start 启动策略循环。循环只会在周期之间退出，不会打断进行中的周期。
func (a *Agent) Start(ctx context.Context) error {
	if a.reader == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置账本读取器")
	}
	if a.submitter == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置提案提交器")
	}
	if a.strategy == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置策略")
	}
	go a.loop(ctx)
	return nil
}

// Stop 请求循环停止并等待当前周期结束。
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.doneCh
}

func (a *Agent) loop(ctx context.Context) {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		report, err := a.RunOnce(ctx)
		if err != nil {
			logger.L().Warn("策略周期失败",
				"principal", a.identity.Hex(),
				"error", err)
		} else if report.Acted {
			logger.L().Info("策略周期产生提案",
				"principal", a.identity.Hex(),
				"review_id", report.ReviewID)
		}
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// RunOnce 执行一个完整的策略周期：观测余额、咨询策略、提交提案。
func (a *Agent) RunOnce(ctx context.Context) (CycleReport, error) {
	if a.reader == nil || a.submitter == nil || a.strategy == nil {
		return CycleReport{}, xerrors.New(xerrors.CodeInitializationFailure, "Agent 未完整装配")
	}

	cycleCtx := ctx
	if a.cycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, a.cycleTimeout)
		defer cancel()
	}

	a.mu.Lock()
	a.cycle++
	cycle := a.cycle
	a.mu.Unlock()

	report := CycleReport{Cycle: cycle, StartedAt: time.Now()}

	balance, err := a.reader.BalanceOf(cycleCtx, a.identity)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, "余额读取超时")
		} else {
			err = xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "余额读取失败")
		}
		return a.record(report, err)
	}
	report.Balance = balance.String()

	obs := Observation{
		Principal: a.identity,
		Balance:   balance,
		Cycle:     cycle,
		At:        report.StartedAt,
	}
	prop, err := a.strategy.Decide(cycleCtx, obs)
	if err != nil {
		return a.record(report, xerrors.Wrap(xerrors.CodeCapabilityFailure, err, "策略决策失败"))
	}
	if prop == nil {
		return a.record(report, nil)
	}

	rv, err := a.submitter.Submit(cycleCtx, review.SubmitRequest{Proposal: prop})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, "提案提交超时")
		}
		return a.record(report, err)
	}
	report.Acted = true
	report.ReviewID = rv.ID
	return a.record(report, nil)
}

// History 返回最近的周期报告，按时间从旧到新。
func (a *Agent) History() []CycleReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]CycleReport, len(a.history))
	copy(out, a.history)
	return out
}

func (a *Agent) record(report CycleReport, err error) (CycleReport, error) {
	if err != nil {
		report.Err = err.Error()
	}
	a.mu.Lock()
	a.history = append(a.history, report)
	if len(a.history) > a.historyDepth {
		a.history = a.history[len(a.history)-a.historyDepth:]
	}
	a.mu.Unlock()
	return report, err
}
