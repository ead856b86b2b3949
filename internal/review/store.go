package review

import (
	"context"

	xerrors "Aegis-Chain/internal/errors"
)

// Store 抽象了审查状态的持久化接口。Claim 只允许 pending 到
// evaluating 的迁移，终态不可再被领取。
type Store interface {
	Create(ctx context.Context, review *Review) error
	Get(ctx context.Context, id string) (*Review, error)
	Claim(ctx context.Context, id string) (*Review, error)
	MarkDecided(ctx context.Context, id string, decision Decision) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error
	List(ctx context.Context, opts ListOptions) ([]*Review, error)
	Stats(ctx context.Context, opts ListOptions) (ReviewStats, error)
	Close() error
}
