package guard

import (
	"strings"
	"sync"
)

// HaltPrefix 标记紧急停机产生的违规原因，日志消费方据此
// 区分"全局紧急停止"与"普通限额触发"。
const HaltPrefix = "EMERGENCY_HALT"

// HaltSwitch 是进程级的紧急停机开关。激活后所有主体的评估
// 立即拒绝，不受任何策略约束。开关本身就是策略失效时的逃生门。
type HaltSwitch struct {
	mu     sync.RWMutex
	active bool
	reason string
}

// NewHaltSwitch 创建一个未激活的停机开关。
func NewHaltSwitch() *HaltSwitch {
	return &HaltSwitch{}
}

// Activate 激活停机开关。重复激活覆盖原因，幂等。
func (h *HaltSwitch) Activate(reason string) {
	if strings.TrimSpace(reason) == "" {
		reason = "manual emergency halt"
	}
	h.mu.Lock()
	h.active = true
	h.reason = reason
	h.mu.Unlock()
}

// Deactivate 解除停机开关。
func (h *HaltSwitch) Deactivate() {
	h.mu.Lock()
	h.active = false
	h.reason = ""
	h.mu.Unlock()
}

// Status 返回当前开关状态与原因。
func (h *HaltSwitch) Status() (bool, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active, h.reason
}

// IsHaltViolation 判断违规原因是否来自紧急停机。
func IsHaltViolation(violation string) bool {
	return strings.HasPrefix(violation, HaltPrefix)
}
