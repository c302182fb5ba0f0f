// Package bounds evaluates proposed action parameters against configured
// safety limits. The orchestrator only consumes the verdict: any violation
// forces the action onto the human-approval path regardless of autonomy level.
package bounds

import "context"

// Violation 描述一条被触发的安全边界。
type Violation struct {
	Rule   string `json:"rule"`
	Param  string `json:"param"`
	Detail string `json:"detail"`
}

// Result 是一次边界检查的结论。
type Result struct {
	WithinBounds bool        `json:"within_bounds"`
	Violations   []Violation `json:"violations,omitempty"`
}

// Checker 抽象了边界检查能力。
type Checker interface {
	Check(ctx context.Context, action string, params map[string]any) (Result, error)
}

// AllowAll 恒定通过，主要用于测试。
type AllowAll struct{}

// Check 实现 Checker 接口。
func (AllowAll) Check(context.Context, string, map[string]any) (Result, error) {
	return Result{WithinBounds: true}, nil
}

var _ Checker = AllowAll{}
