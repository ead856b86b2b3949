package intent

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Chain/internal/proposal"
)

// Kind 区分解析结果的形态。
type Kind string

const (
	// KindProposal 表示结果是可直接进入授权管线的提案。
	KindProposal Kind = "proposal"
	// KindAction 表示结果需要后续调用，例如创建资产。
	KindAction Kind = "action"
	// KindBalanceQuery 表示一次余额查询标记。
	KindBalanceQuery Kind = "balance_query"
	// KindUnparseable 表示文本无法解析。
	KindUnparseable Kind = "unparseable"
)

// ActionType 是后续动作请求的类别。
type ActionType string

const (
	ActionCreateAsset ActionType = "create_asset"
	ActionMint        ActionType = "mint"
	ActionAirdrop     ActionType = "airdrop"
)

// Action 描述一个需要后续调用的动作请求。字段按动作类别
// 选择性填充。
type Action struct {
	Type     ActionType     `json:"type"`
	Symbol   string         `json:"symbol,omitempty"`
	Decimals uint8          `json:"decimals,omitempty"`
	Amount   uint64         `json:"amount,omitempty"`
	Target   common.Address `json:"target,omitempty"`
}

// Result 是一次解析的输出。Kind 决定哪一个载荷字段有效。
type Result struct {
	Kind       Kind               `json:"kind"`
	Proposal   *proposal.Proposal `json:"proposal,omitempty"`
	Action     *Action            `json:"action,omitempty"`
	Confidence float64            `json:"confidence"`
	RawText    string             `json:"raw_text"`
}

// IdentityResolver 把自由文本名称解析为签名身份。
type IdentityResolver interface {
	Resolve(name string) (common.Address, bool)
}

// Directory 是内存实现的名称登记表，名称大小写不敏感。
type Directory struct {
	mu      sync.RWMutex
	entries map[string]common.Address
}

// NewDirectory 创建空的名称登记表。
func NewDirectory() *Directory {
	return &Directory{entries: make(map[string]common.Address)}
}

// Register 登记一个名称到身份的映射。
func (d *Directory) Register(name string, identity common.Address) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return
	}
	d.mu.Lock()
	d.entries[key] = identity
	d.mu.Unlock()
}

// Resolve 按名称查找身份。
func (d *Directory) Resolve(name string) (common.Address, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	identity, ok := d.entries[strings.ToLower(strings.TrimSpace(name))]
	return identity, ok
}

var _ IdentityResolver = (*Directory)(nil)
