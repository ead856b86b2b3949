package principal

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Aegis-Chain/internal/errors"
	"Aegis-Chain/internal/proposal"
)

// Policy 描述单个主体的授权限制。每次评估读取一份快照，
// 运营方修改策略后在下一次评估生效。
type Policy struct {
	MaxPerOperation uint64           `json:"max_per_operation"`
	MaxPerHour      uint64           `json:"max_per_hour"`
	MinInterval     time.Duration    `json:"min_interval"`
	MaxCountPerHour int              `json:"max_count_per_hour"`
	AllowedPrograms []common.Address `json:"allowed_programs,omitempty"`
	RequireDryRun   bool             `json:"require_dry_run"`
	MinConfidence   float64          `json:"min_confidence"`

	AllowTransfer      bool `json:"allow_transfer"`
	AllowAssetTransfer bool `json:"allow_asset_transfer"`
	AllowExchange      bool `json:"allow_exchange"`
	AllowStake         bool `json:"allow_stake"`
	AllowProgramCall   bool `json:"allow_program_call"`
}

// CategoryAllowed 判断策略是否允许给定操作类别。
func (p Policy) CategoryAllowed(category proposal.Category) bool {
	switch category {
	case proposal.CategoryTransfer:
		return p.AllowTransfer
	case proposal.CategoryAssetTransfer:
		return p.AllowAssetTransfer
	case proposal.CategoryExchange:
		return p.AllowExchange
	case proposal.CategoryStake:
		return p.AllowStake
	case proposal.CategoryProgramCall:
		return p.AllowProgramCall
	default:
		return false
	}
}

// ProgramAllowed 判断目标程序是否在允许列表内。
func (p Policy) ProgramAllowed(program common.Address) bool {
	for _, allowed := range p.AllowedPrograms {
		if allowed == program {
			return true
		}
	}
	return false
}

// Validate 检查策略参数的基本合法性。
func (p Policy) Validate() error {
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("min confidence %.3f outside [0,1]", p.MinConfidence))
	}
	if p.MinInterval < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "min interval cannot be negative")
	}
	if p.MaxCountPerHour < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "max count per hour cannot be negative")
	}
	return nil
}

// Clone 返回策略的深拷贝，避免调用方修改共享切片。
func (p Policy) Clone() Policy {
	cloned := p
	if len(p.AllowedPrograms) > 0 {
		cloned.AllowedPrograms = make([]common.Address, len(p.AllowedPrograms))
		copy(cloned.AllowedPrograms, p.AllowedPrograms)
	}
	return cloned
}
