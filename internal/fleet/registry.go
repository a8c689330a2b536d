package fleet

import (
	"fmt"
	"sync"
)

// Registry Identity → Backend 注册表
//
// 在 fleet 注册时显式绑定实现，取代按 fleet ID 前缀/形态推断类型。
// 同一 Kind 的默认实现通过 RegisterKind 提供，Bind 可为单个 fleet 覆盖。
type Registry struct {
	mu       sync.RWMutex
	kinds    map[Kind]Backend
	bindings map[Identity]Backend
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		kinds:    make(map[Kind]Backend),
		bindings: make(map[Identity]Backend),
	}
}

// RegisterKind 注册某类 fleet 的默认实现
func (r *Registry) RegisterKind(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[b.Kind()] = b
}

// Bind 将 fleet 绑定到实现；b 为 nil 时使用同 Kind 的默认实现
func (r *Registry) Bind(id Identity, b Backend) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b == nil {
		var ok bool
		b, ok = r.kinds[id.Kind]
		if !ok {
			return nil, fmt.Errorf("%w: kind %q", ErrBackendNotRegistered, id.Kind)
		}
	}
	if b.Kind() != id.Kind {
		return nil, fmt.Errorf("backend kind %q does not match fleet %s", b.Kind(), id)
	}
	r.bindings[id] = b
	return b, nil
}

// Unbind 解除绑定（标签 fleet 被删除时）
func (r *Registry) Unbind(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, id)
}

// Resolve 查找 fleet 绑定的实现
func (r *Registry) Resolve(id Identity) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if b, ok := r.bindings[id]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrBackendNotRegistered, id)
}
