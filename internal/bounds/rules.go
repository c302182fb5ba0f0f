package bounds

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule 描述针对某个参数的单条边界规则。
type Rule struct {
	Param    string   `yaml:"param"`
	Required bool     `yaml:"required"`
	Max      *float64 `yaml:"max"`
	Min      *float64 `yaml:"min"`
	MaxLen   *int     `yaml:"max_len"`
	Allowed  []string `yaml:"allowed"`
}

// RuleChecker 根据策略文件中按动作组织的规则执行检查。
type RuleChecker struct {
	rules map[string][]Rule
}

type policyDocument struct {
	Bounds map[string][]Rule `yaml:"bounds"`
}

// NewRuleChecker 基于给定规则构造检查器。
func NewRuleChecker(rules map[string][]Rule) *RuleChecker {
	if rules == nil {
		rules = make(map[string][]Rule)
	}
	return &RuleChecker{rules: rules}
}

// LoadRuleChecker 从策略文件的 bounds 段加载规则。
func LoadRuleChecker(path string) (*RuleChecker, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("策略文件路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取策略文件失败: %w", err)
	}
	var doc policyDocument
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("解析策略文件失败: %w", err)
	}
	return NewRuleChecker(doc.Bounds), nil
}

// Check 实现 Checker 接口。未配置规则的动作视为在边界内。
func (c *RuleChecker) Check(_ context.Context, action string, params map[string]any) (Result, error) {
	rules, ok := c.rules[strings.TrimSpace(action)]
	if !ok {
		return Result{WithinBounds: true}, nil
	}

	var violations []Violation
	for _, rule := range rules {
		value, present := params[rule.Param]
		if !present {
			if rule.Required {
				violations = append(violations, Violation{
					Rule:   "required",
					Param:  rule.Param,
					Detail: "参数缺失",
				})
			}
			continue
		}
		violations = append(violations, checkValue(rule, value)...)
	}
	return Result{WithinBounds: len(violations) == 0, Violations: violations}, nil
}

func checkValue(rule Rule, value any) []Violation {
	var violations []Violation

	if rule.Max != nil || rule.Min != nil {
		num, ok := toFloat(value)
		if !ok {
			violations = append(violations, Violation{
				Rule:   "numeric",
				Param:  rule.Param,
				Detail: fmt.Sprintf("期望数值参数，实际为 %T", value),
			})
		} else {
			if rule.Max != nil && num > *rule.Max {
				violations = append(violations, Violation{
					Rule:   "max",
					Param:  rule.Param,
					Detail: fmt.Sprintf("%v 超过上限 %v", num, *rule.Max),
				})
			}
			if rule.Min != nil && num < *rule.Min {
				violations = append(violations, Violation{
					Rule:   "min",
					Param:  rule.Param,
					Detail: fmt.Sprintf("%v 低于下限 %v", num, *rule.Min),
				})
			}
		}
	}

	if rule.MaxLen != nil {
		if length, ok := lengthOf(value); ok && length > *rule.MaxLen {
			violations = append(violations, Violation{
				Rule:   "max_len",
				Param:  rule.Param,
				Detail: fmt.Sprintf("长度 %d 超过上限 %d", length, *rule.MaxLen),
			})
		}
	}

	if len(rule.Allowed) > 0 {
		text := fmt.Sprintf("%v", value)
		matched := false
		for _, allowed := range rule.Allowed {
			if text == allowed {
				matched = true
				break
			}
		}
		if !matched {
			violations = append(violations, Violation{
				Rule:   "allowed",
				Param:  rule.Param,
				Detail: fmt.Sprintf("%q 不在允许的取值范围内", text),
			})
		}
	}

	return violations
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func lengthOf(value any) (int, bool) {
	switch v := value.(type) {
	case string:
		return len(v), true
	case []any:
		return len(v), true
	case []string:
		return len(v), true
	case map[string]any:
		return len(v), true
	default:
		return 0, false
	}
}

var _ Checker = (*RuleChecker)(nil)
