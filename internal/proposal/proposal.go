package proposal

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "Aegis-Chain/internal/errors"
)

// Category 表示提案所属的操作类别。
type Category string

const (
	CategoryTransfer      Category = "transfer"
	CategoryAssetTransfer Category = "asset_transfer"
	CategoryExchange      Category = "exchange"
	CategoryStake         Category = "stake"
	CategoryProgramCall   Category = "program_call"
)

// IsValidCategory 检查给定类别是否为支持的枚举值。
func IsValidCategory(category Category) bool {
	switch category {
	case CategoryTransfer, CategoryAssetTransfer, CategoryExchange, CategoryStake, CategoryProgramCall:
		return true
	default:
		return false
	}
}

const (
	CodeProposalMalformed  xerrors.Code = "PROPOSAL_MALFORMED"
	CodeProposalValidation xerrors.Code = "PROPOSAL_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeProposalMalformed, xerrors.Attributes{
		Message:   "proposal payload does not match its category",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeProposalValidation, xerrors.Attributes{
		Message:   "proposal validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// TransferParams 描述一笔原生资产转账。金额使用链上最小单位。
type TransferParams struct {
	Destination common.Address `json:"destination"`
	Amount      uint64         `json:"amount"`
}

// AssetTransferParams 描述一笔合约资产转账。Decimals 来自资产目录，
// 用于共识层将金额换算为主单位。
type AssetTransferParams struct {
	Asset       common.Address `json:"asset"`
	Destination common.Address `json:"destination"`
	Amount      uint64         `json:"amount"`
	Decimals    uint8          `json:"decimals"`
}

// ExchangeParams 描述一笔兑换操作。InputAmount 使用原生资产最小单位。
type ExchangeParams struct {
	InputAsset   common.Address `json:"input_asset"`
	OutputAsset  common.Address `json:"output_asset"`
	InputAmount  uint64         `json:"input_amount"`
	MinOutputAmt uint64         `json:"min_output_amount"`
}

// StakeParams 描述一笔质押操作。
type StakeParams struct {
	Validator common.Address `json:"validator"`
	Amount    uint64         `json:"amount"`
}

// ProgramCallParams 描述一次任意程序调用。Payload 对本系统不透明。
type ProgramCallParams struct {
	Program common.Address `json:"program"`
	Payload []byte         `json:"payload,omitempty"`
}

// Proposal 是一次待授权操作的不可变描述。创建后不再修改，
// 重新提交必须构造新的提案对象。
type Proposal struct {
	ID            string               `json:"id"`
	Principal     common.Address       `json:"principal"`
	Category      Category             `json:"category"`
	Transfer      *TransferParams      `json:"transfer,omitempty"`
	AssetTransfer *AssetTransferParams `json:"asset_transfer,omitempty"`
	Exchange      *ExchangeParams      `json:"exchange,omitempty"`
	Stake         *StakeParams         `json:"stake,omitempty"`
	ProgramCall   *ProgramCallParams   `json:"program_call,omitempty"`
	Description   string               `json:"description"`
	Confidence    float64              `json:"confidence"`
	CreatedAt     int64                `json:"created_at"`
}

func newProposal(principal common.Address, category Category, description string, confidence float64) (*Proposal, error) {
	if confidence < 0 || confidence > 1 {
		return nil, xerrors.New(CodeProposalValidation,
			fmt.Sprintf("confidence %.3f outside [0,1]", confidence))
	}
	return &Proposal{
		ID:          uuid.NewString(),
		Principal:   principal,
		Category:    category,
		Description: description,
		Confidence:  confidence,
		CreatedAt:   time.Now().Unix(),
	}, nil
}

// NewTransfer 构造一笔原生资产转账提案。
func NewTransfer(principal common.Address, params TransferParams, description string, confidence float64) (*Proposal, error) {
	if params.Amount == 0 {
		return nil, xerrors.New(CodeProposalValidation, "transfer amount must be positive")
	}
	p, err := newProposal(principal, CategoryTransfer, description, confidence)
	if err != nil {
		return nil, err
	}
	p.Transfer = &params
	return p, nil
}

// NewAssetTransfer 构造一笔合约资产转账提案。
func NewAssetTransfer(principal common.Address, params AssetTransferParams, description string, confidence float64) (*Proposal, error) {
	if params.Amount == 0 {
		return nil, xerrors.New(CodeProposalValidation, "asset transfer amount must be positive")
	}
	p, err := newProposal(principal, CategoryAssetTransfer, description, confidence)
	if err != nil {
		return nil, err
	}
	p.AssetTransfer = &params
	return p, nil
}

// NewExchange 构造一笔兑换提案。
func NewExchange(principal common.Address, params ExchangeParams, description string, confidence float64) (*Proposal, error) {
	if params.InputAmount == 0 {
		return nil, xerrors.New(CodeProposalValidation, "exchange input amount must be positive")
	}
	p, err := newProposal(principal, CategoryExchange, description, confidence)
	if err != nil {
		return nil, err
	}
	p.Exchange = &params
	return p, nil
}

// NewStake 构造一笔质押提案。
func NewStake(principal common.Address, params StakeParams, description string, confidence float64) (*Proposal, error) {
	if params.Amount == 0 {
		return nil, xerrors.New(CodeProposalValidation, "stake amount must be positive")
	}
	p, err := newProposal(principal, CategoryStake, description, confidence)
	if err != nil {
		return nil, err
	}
	p.Stake = &params
	return p, nil
}

// NewProgramCall 构造一次任意程序调用提案。
func NewProgramCall(principal common.Address, params ProgramCallParams, description string, confidence float64) (*Proposal, error) {
	p, err := newProposal(principal, CategoryProgramCall, description, confidence)
	if err != nil {
		return nil, err
	}
	p.ProgramCall = &params
	return p, nil
}

// Amount 返回提案在原生资产支出口径下的金额。合约资产转账与程序调用
// 不消耗原生资产，按零计。未知类别或 payload 与类别不符视为构造期错误。
func (p *Proposal) Amount() (uint64, error) {
	switch p.Category {
	case CategoryTransfer:
		if p.Transfer == nil {
			return 0, xerrors.New(CodeProposalMalformed, "transfer proposal missing params")
		}
		return p.Transfer.Amount, nil
	case CategoryAssetTransfer:
		if p.AssetTransfer == nil {
			return 0, xerrors.New(CodeProposalMalformed, "asset transfer proposal missing params")
		}
		return 0, nil
	case CategoryExchange:
		if p.Exchange == nil {
			return 0, xerrors.New(CodeProposalMalformed, "exchange proposal missing params")
		}
		return p.Exchange.InputAmount, nil
	case CategoryStake:
		if p.Stake == nil {
			return 0, xerrors.New(CodeProposalMalformed, "stake proposal missing params")
		}
		return p.Stake.Amount, nil
	case CategoryProgramCall:
		if p.ProgramCall == nil {
			return 0, xerrors.New(CodeProposalMalformed, "program call proposal missing params")
		}
		return 0, nil
	default:
		return 0, xerrors.New(CodeProposalMalformed,
			fmt.Sprintf("no amount rule for category %q", p.Category))
	}
}

// Validate 检查提案结构完整性，供接入层在入队前调用。
func (p *Proposal) Validate() error {
	if p == nil {
		return xerrors.New(CodeProposalValidation, "proposal cannot be nil")
	}
	if !IsValidCategory(p.Category) {
		return xerrors.New(CodeProposalValidation,
			fmt.Sprintf("unsupported category %q", p.Category))
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return xerrors.New(CodeProposalValidation,
			fmt.Sprintf("confidence %.3f outside [0,1]", p.Confidence))
	}
	_, err := p.Amount()
	return err
}
