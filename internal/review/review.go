package review

import (
	stdErrors "errors"

	xerrors "Aegis-Chain/internal/errors"
	"Aegis-Chain/internal/proposal"
)

// Status 表示审查在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusEvaluating Status = "evaluating"
	StatusApproved   Status = "approved"
	StatusDenied     Status = "denied"
	StatusFailed     Status = "failed"
)

// Decision 保存授权管线对一次提案的最终裁定。
// Allowed 为 true 时 Violations 必须为空。
type Decision struct {
	Allowed      bool     `json:"allowed"`
	Reason       string   `json:"reason"`
	Violations   []string `json:"violations,omitempty"`
	Consensus    string   `json:"consensus,omitempty"`
	ApprovalRate float64  `json:"approval_rate,omitempty"`
	TxHash       string   `json:"tx_hash,omitempty"`
}

// Review 描述一条排队等待授权评估的提案审查。
// 审查不重试: 一旦进入 approved、denied 或 failed 即为终态。
type Review struct {
	ID        string             `json:"id"`
	Proposal  *proposal.Proposal `json:"proposal"`
	UseSwarm  bool               `json:"use_swarm"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
	Status    Status             `json:"status"`
	LastError string             `json:"last_error,omitempty"`
	ErrorCode string             `json:"error_code,omitempty"`
	Decision  *Decision          `json:"decision,omitempty"`
	CreatedAt int64              `json:"created_at"`
	UpdatedAt int64              `json:"updated_at"`
}

var (
	// ErrReviewNotFound 表示指定的审查不存在。
	ErrReviewNotFound = xerrors.New(CodeReviewNotFound, "review not found")
	// ErrReviewConflict 表示审查在当前状态下无法进行所请求的操作。
	ErrReviewConflict = xerrors.New(CodeReviewConflict, "review conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrReviewDecided 表示审查已经得出终态裁定。
	ErrReviewDecided = xerrors.New(CodeReviewDecided, "review already decided", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeReviewNotFound   xerrors.Code = "REVIEW_NOT_FOUND"
	CodeReviewConflict   xerrors.Code = "REVIEW_CONFLICT"
	CodeReviewDecided    xerrors.Code = "REVIEW_DECIDED"
	CodeReviewValidation xerrors.Code = "REVIEW_VALIDATION_FAILED"
	CodeReviewPublish    xerrors.Code = "REVIEW_PUBLISH_FAILED"
	CodeReviewProcessing xerrors.Code = "REVIEW_PROCESSING_FAILED"
	CodeReviewExecution  xerrors.Code = "REVIEW_EXECUTION_FAILED"
)

func init() {
	xerrors.Register(CodeReviewNotFound, xerrors.Attributes{
		Message:   "review not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeReviewConflict, xerrors.Attributes{
		Message:   "review conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeReviewDecided, xerrors.Attributes{
		Message:   "review already decided",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeReviewValidation, xerrors.Attributes{
		Message:   "review validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeReviewPublish, xerrors.Attributes{
		Message:   "failed to publish review",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeReviewProcessing, xerrors.Attributes{
		Message:   "review evaluation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeReviewExecution, xerrors.Attributes{
		Message:   "approved operation failed to execute",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// IsReviewError 判断错误是否为统一审查错误。
func IsReviewError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrReviewNotFound) {
		return target == CodeReviewNotFound
	}
	if stdErrors.Is(err, ErrReviewConflict) {
		return target == CodeReviewConflict
	}
	if stdErrors.Is(err, ErrReviewDecided) {
		return target == CodeReviewDecided
	}
	return false
}

// IsValidStatus 检查给定的审查状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusEvaluating, StatusApproved, StatusDenied, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminalStatus 判断状态是否为终态。
func IsTerminalStatus(status Status) bool {
	switch status {
	case StatusApproved, StatusDenied, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneDecision(decision *Decision) *Decision {
	if decision == nil {
		return nil
	}
	cloned := *decision
	if decision.Violations != nil {
		cloned.Violations = append([]string(nil), decision.Violations...)
	}
	return &cloned
}

func cloneReview(review *Review) *Review {
	clone := *review
	if review.Proposal != nil {
		proposalCopy := *review.Proposal
		clone.Proposal = &proposalCopy
	}
	clone.Metadata = cloneMetadata(review.Metadata)
	clone.Decision = cloneDecision(review.Decision)
	return &clone
}
