package stack

import (
	"context"
	"sync"
)

// Lazy 首次使用时才构建底层 Provisioner，构建失败下次调用重试
//
// 启动时没有多标签控制器、之后通过重载加入的场景使用。
type Lazy struct {
	mu    sync.Mutex
	build func(ctx context.Context) (Provisioner, error)
	p     Provisioner
}

var _ Provisioner = (*Lazy)(nil)

// NewLazy 创建延迟构建的 Provisioner
func NewLazy(build func(ctx context.Context) (Provisioner, error)) *Lazy {
	return &Lazy{build: build}
}

func (l *Lazy) get(ctx context.Context) (Provisioner, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.p != nil {
		return l.p, nil
	}
	p, err := l.build(ctx)
	if err != nil {
		return nil, err
	}
	l.p = p
	return p, nil
}

// Create 实现 Provisioner
func (l *Lazy) Create(ctx context.Context, name string, params map[string]string) (string, error) {
	p, err := l.get(ctx)
	if err != nil {
		return "", err
	}
	return p.Create(ctx, name, params)
}

// Delete 实现 Provisioner
func (l *Lazy) Delete(ctx context.Context, stackID string) error {
	p, err := l.get(ctx)
	if err != nil {
		return err
	}
	return p.Delete(ctx, stackID)
}

// Describe 实现 Provisioner
func (l *Lazy) Describe(ctx context.Context, name string) (*Stack, error) {
	p, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return p.Describe(ctx, name)
}
