// Package fleet 定义弹性计算 fleet 的抽象
//
// 包含：
//   - stats.go:    fleet 状态快照（Stats）
//   - backend.go:  Backend 接口与实例详情类型
//   - registry.go: Identity → Backend 注册表
//   - errors.go:   错误分类
//
// 具体实现在子包中：awsfleet/（AWS 三种 fleet），memfleet/（内存实现）
package fleet

import (
	"maps"
	"slices"
)

// State fleet 自身的生命周期阶段
type State string

const (
	StateActive    State = "active"
	StateModifying State = "modifying"
	StateSubmitted State = "submitted"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// IsActive 是否处于可扩容的活跃阶段
func (s State) IsActive() bool {
	switch s {
	case StateActive, StateModifying, StateSubmitted:
		return true
	default:
		return false
	}
}

// Stats fleet 状态快照
//
// 每个调和周期重新构造，不做原地修改；NumActive 由实例集合派生，不单独存储。
type Stats struct {
	fleetID    string
	numDesired int
	state      State
	instances  map[string]struct{}
	weights    map[string]float64
}

// NewStats 构造状态快照，入参会被拷贝
func NewStats(fleetID string, numDesired int, state State, instances []string, weights map[string]float64) *Stats {
	set := make(map[string]struct{}, len(instances))
	for _, id := range instances {
		set[id] = struct{}{}
	}
	w := make(map[string]float64, len(weights))
	for k, v := range weights {
		if v > 0 {
			w[k] = v
		}
	}
	return &Stats{
		fleetID:    fleetID,
		numDesired: max(0, numDesired),
		state:      state,
		instances:  set,
		weights:    w,
	}
}

// FleetID fleet 标识
func (s *Stats) FleetID() string { return s.fleetID }

// NumDesired 最近一次观测到的目标容量
func (s *Stats) NumDesired() int { return s.numDesired }

// NumActive 活跃实例数
func (s *Stats) NumActive() int { return len(s.instances) }

// State fleet 生命周期阶段
func (s *Stats) State() State { return s.state }

// Instances 返回排序后的实例 ID 列表（拷贝）
func (s *Stats) Instances() []string {
	return slices.Sorted(maps.Keys(s.instances))
}

// HasInstance 实例是否属于该 fleet
func (s *Stats) HasInstance(id string) bool {
	_, ok := s.instances[id]
	return ok
}

// InstanceTypeWeights 实例类型权重（拷贝）
func (s *Stats) InstanceTypeWeights() map[string]float64 {
	return maps.Clone(s.weights)
}

// Weight 返回实例类型的权重，未配置时为 1
func (s *Stats) Weight(instanceType string) float64 {
	if w, ok := s.weights[instanceType]; ok {
		return w
	}
	return 1
}
