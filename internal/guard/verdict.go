package guard

import "strings"

// DryRunResult 保存一次模拟执行的结果。
type DryRunResult struct {
	Success bool     `json:"success"`
	Logs    []string `json:"logs,omitempty"`
	Err     string   `json:"error,omitempty"`
}

// Verdict 是授权管线的输出。不变式: Allowed 当且仅当
// Violations 为空。
type Verdict struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason"`
	Violations []string      `json:"violations"`
	DryRun     *DryRunResult `json:"dry_run,omitempty"`
}

func newVerdict(violations []string, dryRun *DryRunResult) *Verdict {
	if violations == nil {
		violations = []string{}
	}
	v := &Verdict{
		Allowed:    len(violations) == 0,
		Violations: violations,
		DryRun:     dryRun,
	}
	if v.Allowed {
		v.Reason = "approved"
	} else {
		v.Reason = strings.Join(violations, "; ")
	}
	return v
}

// Halted 判断该裁决是否由紧急停机产生。
func (v *Verdict) Halted() bool {
	return len(v.Violations) == 1 && IsHaltViolation(v.Violations[0])
}
