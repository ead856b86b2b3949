package principal

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// retainWindow 是窗口条目的最长保留时间。每次成功记录时
// 顺带清理超期条目，状态始终有界，无需后台任务。
const retainWindow = 2 * time.Hour

// WindowEntry 记录一次已批准操作的时间与金额。
type WindowEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Amount    uint64    `json:"amount"`
}

// State 维护单个主体的滚动窗口。条目按时间顺序追加，
// 同一主体的评估是串行的，因此无需排序即可按时间过滤。
type State struct {
	entries       []WindowEntry
	lastOperation time.Time
}

// NewState 创建一个空的主体状态。
func NewState() *State {
	return &State{}
}

// SpentSince 统计 cutoff 之后已批准操作的累计金额。
func (s *State) SpentSince(cutoff time.Time) uint64 {
	var total uint64
	for _, entry := range s.entries {
		if entry.Timestamp.After(cutoff) {
			total += entry.Amount
		}
	}
	return total
}

// CountSince 统计 cutoff 之后已批准操作的数量。
func (s *State) CountSince(cutoff time.Time) int {
	count := 0
	for _, entry := range s.entries {
		if entry.Timestamp.After(cutoff) {
			count++
		}
	}
	return count
}

// LastOperation 返回最近一次已批准操作的时间。零值表示尚无记录。
func (s *State) LastOperation() time.Time {
	return s.lastOperation
}

// Record 记录一次已批准操作并清理超期条目。只有批准的提案
// 才会调用，拒绝永远不改变状态。
func (s *State) Record(now time.Time, amount uint64) {
	s.entries = append(s.entries, WindowEntry{Timestamp: now, Amount: amount})
	s.lastOperation = now

	cutoff := now.Add(-retainWindow)
	kept := s.entries[:0]
	for _, entry := range s.entries {
		if entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	s.entries = kept
}

// Snapshot 是状态的可持久化表示。
type Snapshot struct {
	Principal     common.Address `json:"principal"`
	WindowEntries []WindowEntry  `json:"window_entries"`
	LastOperation time.Time      `json:"last_operation"`
}

// Snapshot 导出当前状态。
func (s *State) Snapshot(identity common.Address) Snapshot {
	entries := make([]WindowEntry, len(s.entries))
	copy(entries, s.entries)
	return Snapshot{
		Principal:     identity,
		WindowEntries: entries,
		LastOperation: s.lastOperation,
	}
}

// Restore 从快照恢复状态，用于进程重启后的状态延续。
func (s *State) Restore(snapshot Snapshot) {
	s.entries = make([]WindowEntry, len(snapshot.WindowEntries))
	copy(s.entries, snapshot.WindowEntries)
	s.lastOperation = snapshot.LastOperation
}
