package review

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "Aegis-Chain/internal/errors"
	"Aegis-Chain/internal/guard"
	"Aegis-Chain/internal/observability/alerting"
	"Aegis-Chain/internal/observability/metrics"
	storage "Aegis-Chain/internal/storage/mysql"
	"Aegis-Chain/internal/swarm"
	"Aegis-Chain/internal/web3"
	"Aegis-Chain/pkg/logger"
)

// Processor 负责从队列消费审查，先经多智能体共识(可选)，
// 再过授权管线，放行的提案交给签名能力执行。
type Processor struct {
	engine      *guard.Engine
	store       Store
	consumer    Consumer
	council     *swarm.Council
	signer      web3.Signer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	decisions   storage.DecisionLog
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithCouncil 配置多智能体共识层。未配置时即使审查要求
// 共识也直接进入授权管线。
func WithCouncil(council *swarm.Council) ProcessorOption {
	return func(p *Processor) {
		p.council = council
	}
}

// WithSigner 配置链上签名能力。未配置时放行的提案只记录
// 裁定而不执行。
func WithSigner(signer web3.Signer) ProcessorOption {
	return func(p *Processor) {
		p.signer = signer
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithDecisionLog 配置裁决审计日志。写入失败只告警，不影响审查终态。
func WithDecisionLog(decisions storage.DecisionLog) ProcessorOption {
	return func(p *Processor) {
		p.decisions = decisions
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(engine *guard.Engine, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		engine:      engine,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动审查处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置审查消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单条审查。终态写入后不再重投。
func (p *Processor) Handle(ctx context.Context, reviewID string) error {
	if p.store == nil || p.engine == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	review, err := p.store.Claim(ctx, reviewID)
	if err != nil {
		if stdErrors.Is(err, ErrReviewNotFound) || stdErrors.Is(err, ErrReviewDecided) || stdErrors.Is(err, ErrReviewConflict) {
			p.logDebug("跳过审查", slog.String("review_id", reviewID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取审查失败", slog.Any("error", err), slog.String("review_id", reviewID))
		p.emitAlert(ctx, &Review{ID: reviewID}, CodeReviewProcessing, err, "claim")
		return err
	}
	if review.Proposal == nil {
		return p.markFailure(ctx, review, CodeReviewProcessing,
			xerrors.New(CodeReviewProcessing, "审查缺少提案"), "evaluate")
	}

	var consensus *swarm.ConsensusResult
	if review.UseSwarm && p.council != nil {
		consensus, err = p.council.Propose(ctx, review.Proposal)
		if err != nil {
			return p.markFailure(ctx, review, CodeReviewProcessing, err, "consensus")
		}
		metrics.ObserveConsensusRound(consensus.Approved)
		if !consensus.Approved {
			decision := Decision{
				Allowed:      false,
				Reason:       "swarm consensus rejected the proposal",
				Violations:   []string{fmt.Sprintf("Consensus approval %.2f below quorum %.2f", consensus.ApprovalRate, consensus.Quorum)},
				Consensus:    consensus.Summary(),
				ApprovalRate: consensus.ApprovalRate,
			}
			return p.recordDecision(ctx, review, decision, nil)
		}
	}

	verdict, err := p.engine.Evaluate(ctx, review.Proposal)
	if err != nil {
		return p.markFailure(ctx, review, CodeReviewProcessing, err, "evaluate")
	}
	metrics.ObserveVerdict(string(review.Proposal.Category), verdict.Allowed, verdict.Halted())

	decision := Decision{
		Allowed:    verdict.Allowed,
		Reason:     verdict.Reason,
		Violations: verdict.Violations,
	}
	if consensus != nil {
		decision.Consensus = consensus.Summary()
		decision.ApprovalRate = consensus.ApprovalRate
	}

	if !verdict.Allowed {
		if verdict.Halted() {
			p.emitAlert(ctx, review, xerrors.CodeHaltActive,
				stdErrors.New(verdict.Reason), "halt")
		}
		return p.recordDecision(ctx, review, decision, verdict)
	}

	if p.signer != nil {
		annotation := fmt.Sprintf("review %s approved", review.ID)
		if decision.Consensus != "" {
			annotation += " | " + decision.Consensus
		}
		result, execErr := p.signer.Execute(ctx, review.Proposal.Principal, review.Proposal, annotation)
		if execErr != nil {
			return p.markFailure(ctx, review, CodeReviewExecution, execErr, "execute")
		}
		if !result.Success {
			execErr = xerrors.New(CodeReviewExecution, result.Err)
			return p.markFailure(ctx, review, CodeReviewExecution, execErr, "execute")
		}
		decision.TxHash = result.TxHash.Hex()
	}
	return p.recordDecision(ctx, review, decision, verdict)
}

func (p *Processor) recordDecision(ctx context.Context, review *Review, decision Decision, verdict *guard.Verdict) error {
	if err := p.store.MarkDecided(ctx, review.ID, decision); err != nil {
		if stdErrors.Is(err, ErrReviewDecided) {
			return nil
		}
		logger.L().Error("记录审查裁定失败", slog.Any("error", err), slog.String("review_id", review.ID))
		p.emitAlert(ctx, review, xerrors.CodeStorageFailure, err, "record")
		return err
	}
	attrs := []any{
		slog.String("review_id", review.ID),
		slog.String("principal", review.Proposal.Principal.Hex()),
		slog.String("category", string(review.Proposal.Category)),
		slog.Bool("allowed", decision.Allowed),
		slog.String("reason", decision.Reason),
	}
	if decision.TxHash != "" {
		attrs = append(attrs, slog.String("tx_hash", decision.TxHash))
	}
	if verdict != nil && verdict.DryRun != nil {
		attrs = append(attrs, slog.Bool("dry_run_success", verdict.DryRun.Success))
	}
	logger.AuditEvent("review_decided", attrs...)
	p.appendDecision(ctx, review, decision, verdict)
	return nil
}

func (p *Processor) appendDecision(ctx context.Context, review *Review, decision Decision, verdict *guard.Verdict) {
	if p.decisions == nil || review.Proposal == nil {
		return
	}
	amount, err := review.Proposal.Amount()
	if err != nil {
		amount = 0
	}
	record := &storage.DecisionRecord{
		ReviewID:     review.ID,
		Principal:    review.Proposal.Principal.Hex(),
		Category:     string(review.Proposal.Category),
		Amount:       amount,
		Allowed:      decision.Allowed,
		Halted:       verdict != nil && verdict.Halted(),
		Violations:   decision.Violations,
		Consensus:    decision.Consensus,
		ApprovalRate: decision.ApprovalRate,
		TxHash:       decision.TxHash,
		CreatedAt:    time.Now().Unix(),
	}
	if err := p.decisions.Append(ctx, record); err != nil {
		logger.L().Error("写入裁决审计日志失败",
			slog.Any("error", err),
			slog.String("review_id", review.ID),
		)
		p.emitAlert(ctx, review, xerrors.CodeStorageFailure, err, "decision_log")
	}
}

func (p *Processor) markFailure(ctx context.Context, review *Review, code xerrors.Code, cause error, stage string) error {
	if wrappedCode := xerrors.CodeOf(cause); wrappedCode != xerrors.CodeUnknown && code == CodeReviewProcessing {
		code = wrappedCode
	}
	if storeErr := p.store.MarkFailed(ctx, review.ID, code, cause.Error()); storeErr != nil {
		if stdErrors.Is(storeErr, ErrReviewDecided) {
			return nil
		}
		logger.L().Error("标记审查失败状态出错", slog.Any("error", storeErr), slog.String("review_id", review.ID))
		return storeErr
	}
	logger.Audit().Warn("审查处理失败",
		slog.String("review_id", review.ID),
		slog.String("stage", stage),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
	)
	p.emitAlert(ctx, review, code, cause, stage)
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, review *Review, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || review == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	principal := ""
	if review.Proposal != nil {
		principal = review.Proposal.Principal.Hex()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		ReviewID:   review.ID,
		Principal:  principal,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("review_id", review.ID),
			slog.String("stage", stage),
		)
	}
}
