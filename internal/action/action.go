package action

import (
	"context"

	xerrors "AgentPilot/internal/errors"
)

// Level 表示动作的自治级别。
type Level int

const (
	// LevelSuggest 仅允许生成建议，由人工决定是否执行。
	LevelSuggest Level = 1
	// LevelPropose 允许创建提案，执行前必须获得人工批准。
	LevelPropose Level = 2
	// LevelAutonomous 允许在安全边界内直接执行，事后接受审查。
	LevelAutonomous Level = 3
)

// IsValid 检查自治级别是否在支持范围内。
func (l Level) IsValid() bool {
	return l >= LevelSuggest && l <= LevelAutonomous
}

// RiskLevel 描述动作的风险档位。
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Definition 描述一个已注册的动作。
type Definition struct {
	Name          string    `json:"name" yaml:"name"`
	AutonomyLevel Level     `json:"autonomy_level" yaml:"autonomy_level"`
	RiskLevel     RiskLevel `json:"risk_level" yaml:"risk_level"`
	Reversible    bool      `json:"reversible" yaml:"reversible"`
	Description   string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Registry 抽象了动作注册表的只读查询接口。
type Registry interface {
	// Lookup 根据动作名称返回定义；不存在时返回 ErrUnknownAction。
	Lookup(ctx context.Context, name string) (*Definition, error)
}

const (
	// CodeUnknownAction 表示请求了未注册的动作，属于调用方契约错误。
	CodeUnknownAction xerrors.Code = "UNKNOWN_ACTION"
)

// ErrUnknownAction 表示动作未在注册表中登记。
var ErrUnknownAction = xerrors.New(CodeUnknownAction, "action not registered")

func init() {
	xerrors.Register(CodeUnknownAction, xerrors.Attributes{
		Message:   "action not registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
