package principal

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Aegis-Chain/internal/errors"
)

const (
	CodePrincipalNotFound xerrors.Code = "PRINCIPAL_NOT_FOUND"
	CodePrincipalConflict xerrors.Code = "PRINCIPAL_CONFLICT"
)

func init() {
	xerrors.Register(CodePrincipalNotFound, xerrors.Attributes{
		Message:   "principal not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePrincipalConflict, xerrors.Attributes{
		Message:   "principal already registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Principal 表示一个注册过的自治主体。策略与状态只通过
// 锁内方法访问，保证同一主体的评估串行执行。
type Principal struct {
	mu        sync.Mutex
	identity  common.Address
	name      string
	policy    Policy
	state     *State
	createdAt int64
}

// Identity 返回主体的签名身份。
func (p *Principal) Identity() common.Address {
	return p.identity
}

// Name 返回主体的展示名称。
func (p *Principal) Name() string {
	return p.name
}

// Policy 返回当前策略的拷贝。
func (p *Principal) Policy() Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.policy.Clone()
}

// SetPolicy 替换主体策略，下一次评估生效。
func (p *Principal) SetPolicy(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.policy = policy.Clone()
	p.mu.Unlock()
	return nil
}

// Exclusive 在主体锁内执行 fn。授权管线通过它完成
// 检查与记录的原子衔接，包括持锁等待试运行返回。
func (p *Principal) Exclusive(fn func(policy Policy, state *State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.policy, p.state)
}

// StateSnapshot 导出主体状态快照。
func (p *Principal) StateSnapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Snapshot(p.identity)
}

// RestoreState 从快照恢复主体状态。
func (p *Principal) RestoreState(snapshot Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Restore(snapshot)
}

// Registry 维护身份到主体的映射。每个主体独立持有状态桶，
// 主体之间不共享可变状态。
type Registry struct {
	mu         sync.RWMutex
	principals map[common.Address]*Principal
}

// NewRegistry 创建一个空的主体注册表。
func NewRegistry() *Registry {
	return &Registry{principals: make(map[common.Address]*Principal)}
}

// Register 注册一个新主体。重复注册返回冲突错误。
func (r *Registry) Register(identity common.Address, name string, policy Policy) (*Principal, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.principals[identity]; exists {
		return nil, xerrors.New(CodePrincipalConflict,
			fmt.Sprintf("principal %s already registered", identity.Hex()))
	}
	p := &Principal{
		identity:  identity,
		name:      name,
		policy:    policy.Clone(),
		state:     NewState(),
		createdAt: time.Now().Unix(),
	}
	r.principals[identity] = p
	return p, nil
}

// Get 返回指定主体。
func (r *Registry) Get(identity common.Address) (*Principal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.principals[identity]
	if !ok {
		return nil, xerrors.New(CodePrincipalNotFound,
			fmt.Sprintf("principal %s not registered", identity.Hex()))
	}
	return p, nil
}

// Decommission 注销主体并清空其状态。
func (r *Registry) Decommission(identity common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.principals[identity]
	if !ok {
		return xerrors.New(CodePrincipalNotFound,
			fmt.Sprintf("principal %s not registered", identity.Hex()))
	}
	p.mu.Lock()
	p.state = NewState()
	p.mu.Unlock()
	delete(r.principals, identity)
	return nil
}

// List 返回所有已注册主体，顺序不保证稳定。
func (r *Registry) List() []*Principal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Principal, 0, len(r.principals))
	for _, p := range r.principals {
		out = append(out, p)
	}
	return out
}
