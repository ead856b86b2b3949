package review

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Aegis-Chain/internal/errors"
	"Aegis-Chain/internal/proposal"
	"Aegis-Chain/pkg/logger"
)

// SubmitRequest 描述一次提案审查的入队请求。携带相同 ID 的
// 重复提交是幂等的，返回既有审查。
type SubmitRequest struct {
	ID       string
	Proposal *proposal.Proposal
	UseSwarm bool
	Metadata map[string]any
}

// Service 负责审查的创建与查询。
type Service struct {
	store    Store
	producer Producer
}

// NewService 构造审查服务。
func NewService(store Store, producer Producer) *Service {
	return &Service{store: store, producer: producer}
}

// Submit 校验提案，创建一条待评估的审查并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Review, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "审查服务未初始化")
	}
	if req.Proposal == nil {
		return nil, xerrors.New(CodeReviewValidation, "审查必须携带提案")
	}
	if err := req.Proposal.Validate(); err != nil {
		return nil, xerrors.Wrap(CodeReviewValidation, err, "提案校验失败")
	}

	reviewID := strings.TrimSpace(req.ID)
	if reviewID != "" {
		existing, err := s.store.Get(ctx, reviewID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrReviewNotFound) {
			return nil, err
		}
	} else {
		reviewID = uuid.NewString()
	}

	review := &Review{
		ID:       reviewID,
		Proposal: req.Proposal,
		UseSwarm: req.UseSwarm,
		Metadata: cloneMetadata(req.Metadata),
		Status:   StatusPending,
	}
	if err := s.store.Create(ctx, review); err != nil {
		if stdErrors.Is(err, ErrReviewConflict) {
			existing, getErr := s.store.Get(ctx, reviewID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrReviewNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, reviewID); err != nil {
		logger.L().Error("审查入队失败", slog.Any("error", err), slog.String("review_id", reviewID))
		wrapped := xerrors.Wrap(CodeReviewPublish, err, "发布审查到队列失败")
		_ = s.store.MarkFailed(ctx, reviewID, CodeReviewPublish, wrapped.Error())
		return nil, wrapped
	}
	logger.AuditEvent("review_submitted",
		slog.String("review_id", reviewID),
		slog.String("principal", review.Proposal.Principal.Hex()),
		slog.String("category", string(review.Proposal.Category)),
		slog.Bool("use_swarm", review.UseSwarm),
	)
	return review, nil
}

// Get 返回指定审查的状态。
func (s *Service) Get(ctx context.Context, id string) (*Review, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "审查存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的审查列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Review, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "审查存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的审查统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (ReviewStats, error) {
	if s.store == nil {
		return ReviewStats{}, xerrors.New(xerrors.CodeInitializationFailure, "审查存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilDecided 在指定超时时间内轮询审查状态直至终态。
func (s *Service) WaitUntilDecided(ctx context.Context, id string, interval time.Duration) (*Review, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		review, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if IsTerminalStatus(review.Status) {
			return review, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
