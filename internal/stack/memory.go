package stack

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

// Memory 内存栈供给（测试与本地调试）
//
// OnCreate 非 nil 时在创建后回调，返回值作为 fleet ID，栈直接进入 CREATE_COMPLETE；
// 否则栈停留在 CREATE_IN_PROGRESS，需要调用 Complete。
type Memory struct {
	mu       sync.Mutex
	byName   map[string]*memoryStack
	byID     map[string]string
	seq      int
	OnCreate func(name string, params map[string]string) string
}

type memoryStack struct {
	Stack
	params map[string]string
}

var _ Provisioner = (*Memory)(nil)

// NewMemory 创建内存栈供给
func NewMemory() *Memory {
	return &Memory{
		byName: make(map[string]*memoryStack),
		byID:   make(map[string]string),
	}
}

// Create 实现 Provisioner
func (m *Memory) Create(ctx context.Context, name string, params map[string]string) (string, error) {
	m.mu.Lock()
	if _, ok := m.byName[name]; ok {
		m.mu.Unlock()
		return "", fmt.Errorf("stack %s already exists", name)
	}
	m.seq++
	id := fmt.Sprintf("stack-%d", m.seq)
	s := &memoryStack{
		Stack:  Stack{StackID: id, Status: "CREATE_IN_PROGRESS"},
		params: maps.Clone(params),
	}
	m.byName[name] = s
	m.byID[id] = name
	onCreate := m.OnCreate
	m.mu.Unlock()

	if onCreate != nil {
		m.Complete(name, onCreate(name, params))
	}
	return id, nil
}

// Complete 把栈标记为创建完成
func (m *Memory) Complete(name, fleetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byName[name]; ok {
		s.Status = "CREATE_COMPLETE"
		s.FleetID = fleetID
	}
}

// Fail 把栈标记为创建失败
func (m *Memory) Fail(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byName[name]; ok {
		s.Status = "ROLLBACK_COMPLETE"
	}
}

// Delete 实现 Provisioner
func (m *Memory) Delete(ctx context.Context, stackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name, ok := m.byID[stackID]; ok {
		delete(m.byName, name)
		delete(m.byID, stackID)
	}
	return nil
}

// Describe 实现 Provisioner
func (m *Memory) Describe(ctx context.Context, name string) (*Stack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	out := s.Stack
	return &out, nil
}

// Params 返回创建栈时的参数
func (m *Memory) Params(name string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byName[name]; ok {
		return maps.Clone(s.params)
	}
	return nil
}

// Len 栈数量
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byName)
}
