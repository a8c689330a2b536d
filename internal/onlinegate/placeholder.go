// Package onlinegate 新 Agent 的上线门
//
// Provision 时为每个容量单位创建一个 Placeholder（计划容量），调度器可立即把它计入待上线容量。
// Agent 创建后由 Gate 轮询其连通性：可达则 Resolved，超时则 Failed，调度器放弃需求时 Cancelled。
// 所有控制器的 Placeholder 由同一个 Gate 协程按到期时间调度，评估过程不阻塞、不休眠。
package onlinegate

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-agents/internal/agent"
)

// State Placeholder 状态
type State int

const (
	StatePolling State = iota
	StateResolved
	StateFailed
	StateCancelled
)

// String 实现 fmt.Stringer
func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Placeholder 计划容量（尚未可用的 Agent）
type Placeholder struct {
	id        string
	label     string
	weight    int
	createdAt time.Time

	mu    sync.Mutex
	state State
	agent *agent.Agent
	err   error
	done  chan struct{}
}

// NewPlaceholder 创建计划容量，weight 为预期的执行器数
func NewPlaceholder(label string, weight int, now time.Time) *Placeholder {
	return &Placeholder{
		id:        uuid.NewString(),
		label:     label,
		weight:    max(1, weight),
		createdAt: now,
		state:     StatePolling,
		done:      make(chan struct{}),
	}
}

// ID 唯一标识
func (p *Placeholder) ID() string { return p.id }

// Label 调度标签
func (p *Placeholder) Label() string { return p.label }

// Weight 预期执行器数
func (p *Placeholder) Weight() int { return p.weight }

// CreatedAt 创建时间，超时从此刻起算
func (p *Placeholder) CreatedAt() time.Time { return p.createdAt }

// State 当前状态
func (p *Placeholder) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Finished 是否已进入终态
func (p *Placeholder) Finished() bool {
	return p.State() != StatePolling
}

// Done 进入终态时关闭
func (p *Placeholder) Done() <-chan struct{} { return p.done }

// Result 返回结果；尚未结束时 Agent 与错误均为 nil
func (p *Placeholder) Result() (*agent.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agent, p.err
}

// Cancel 取消等待；已结束时返回 false
func (p *Placeholder) Cancel() bool {
	return p.finish(StateCancelled, nil, ErrCancelled)
}

func (p *Placeholder) resolve(a *agent.Agent) bool {
	return p.finish(StateResolved, a, nil)
}

func (p *Placeholder) fail(err error) bool {
	return p.finish(StateFailed, nil, err)
}

func (p *Placeholder) finish(state State, a *agent.Agent, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePolling {
		return false
	}
	p.state = state
	p.agent = a
	p.err = err
	close(p.done)
	return true
}

// Snapshot 用于 API 输出
type Snapshot struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Weight    int       `json:"weight"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot 返回状态快照
func (p *Placeholder) Snapshot() Snapshot {
	return Snapshot{
		ID:        p.id,
		Label:     p.label,
		Weight:    p.weight,
		State:     p.State().String(),
		CreatedAt: p.createdAt,
	}
}
