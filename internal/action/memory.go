package action

import (
	"context"
	"strings"
	"sync"
)

// MemoryRegistry 以内存方式维护动作定义，主要用于测试。
type MemoryRegistry struct {
	mu      sync.RWMutex
	actions map[string]Definition
}

// NewMemoryRegistry 创建 MemoryRegistry。
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{actions: make(map[string]Definition)}
}

// Register 登记或覆盖一个动作定义。
func (r *MemoryRegistry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[strings.TrimSpace(def.Name)] = def
}

// Lookup 实现 Registry 接口。
func (r *MemoryRegistry) Lookup(_ context.Context, name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.actions[strings.TrimSpace(name)]
	if !ok {
		return nil, ErrUnknownAction
	}
	clone := def
	return &clone, nil
}

var _ Registry = (*MemoryRegistry)(nil)
