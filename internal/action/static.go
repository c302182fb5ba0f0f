package action

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StaticRegistry 从策略文件加载动作定义，加载后不可变。
type StaticRegistry struct {
	actions map[string]Definition
}

type policyDocument struct {
	Actions []Definition `yaml:"actions"`
}

// NewStaticRegistry 基于给定的动作定义构造注册表。
func NewStaticRegistry(defs []Definition) (*StaticRegistry, error) {
	actions := make(map[string]Definition, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, fmt.Errorf("动作名称不能为空")
		}
		if !def.AutonomyLevel.IsValid() {
			return nil, fmt.Errorf("动作 %s 的自治级别 %d 不在 1-3 范围内", name, def.AutonomyLevel)
		}
		if _, ok := actions[name]; ok {
			return nil, fmt.Errorf("动作 %s 重复注册", name)
		}
		def.Name = name
		if def.RiskLevel == "" {
			def.RiskLevel = RiskLow
		}
		actions[name] = def
	}
	return &StaticRegistry{actions: actions}, nil
}

// LoadStaticRegistry 从策略文件的 actions 段加载动作注册表。
func LoadStaticRegistry(path string) (*StaticRegistry, error) {
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
	return NewStaticRegistry(doc.Actions)
}

// Lookup 实现 Registry 接口。
func (r *StaticRegistry) Lookup(_ context.Context, name string) (*Definition, error) {
	if r == nil {
		return nil, ErrUnknownAction
	}
	def, ok := r.actions[strings.TrimSpace(name)]
	if !ok {
		return nil, ErrUnknownAction
	}
	clone := def
	return &clone, nil
}

// Names 返回已注册的动作名称，主要用于诊断输出。
func (r *StaticRegistry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	return names
}

var _ Registry = (*StaticRegistry)(nil)
