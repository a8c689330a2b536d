// Package memfleet 内存 fleet 实现
//
// 用于测试和本地调试（kind=memory）。遵循与真实提供方相同的约定：
// 缩容只改变目标容量，不会自行终止实例，实例的终止完全由控制器驱动。
package memfleet

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"fleet-agents/internal/fleet"
)

// Calls 调用计数
type Calls struct {
	GetState  int
	Modify    int
	Describe  int
	Terminate int
	Tag       int
}

type memFleet struct {
	desired   int
	minSize   int
	maxSize   int
	state     fleet.State
	instances map[string]fleet.InstanceDetail
	weights   map[string]float64
	tags      map[string]map[string]string
}

// Fleet 内存 fleet 网关，可同时托管多个 fleet
type Fleet struct {
	mu     sync.Mutex
	fleets map[string]*memFleet
	calls  Calls
	seq    int

	// AutoLaunch 为 true 时，GetState 会先把实例数补齐到目标容量
	AutoLaunch bool
	// InstanceType AutoLaunch 创建实例使用的实例类型
	InstanceType string

	// 故障注入（测试用），非 nil 时对应调用直接返回该错误
	GetStateErr  error
	ModifyErr    error
	DescribeErr  error
	TerminateErr error
}

var _ fleet.Backend = (*Fleet)(nil)

// New 创建内存 fleet 网关
func New() *Fleet {
	return &Fleet{
		fleets:       make(map[string]*memFleet),
		InstanceType: "mem.small",
	}
}

// Kind 实现 fleet.Backend
func (f *Fleet) Kind() fleet.Kind { return fleet.KindMemory }

// Create 注册一个 fleet
func (f *Fleet) Create(fleetID string, desired int, weights map[string]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fleets[fleetID] = &memFleet{
		desired:   desired,
		state:     fleet.StateActive,
		instances: make(map[string]fleet.InstanceDetail),
		weights:   maps.Clone(weights),
		tags:      make(map[string]map[string]string),
	}
}

// Delete 删除 fleet
func (f *Fleet) Delete(fleetID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.fleets, fleetID)
}

// SetState 设置 fleet 生命周期阶段
func (f *Fleet) SetState(fleetID string, state fleet.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mf, ok := f.fleets[fleetID]; ok {
		mf.state = state
	}
}

// SetDesired 直接设置目标容量（模拟外部修改）
func (f *Fleet) SetDesired(fleetID string, desired int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mf, ok := f.fleets[fleetID]; ok {
		mf.desired = desired
	}
}

// Launch 向 fleet 加入一个实例
func (f *Fleet) Launch(fleetID string, d fleet.InstanceDetail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mf, ok := f.fleets[fleetID]; ok {
		if d.Phase == "" {
			d.Phase = fleet.PhaseRunning
		}
		mf.instances[d.InstanceID] = d
	}
}

// SetPhase 修改实例阶段，不存在的实例忽略
func (f *Fleet) SetPhase(fleetID, instanceID string, phase fleet.Phase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mf, ok := f.fleets[fleetID]; ok {
		if d, ok := mf.instances[instanceID]; ok {
			d.Phase = phase
			mf.instances[instanceID] = d
		}
	}
}

// Vanish 让实例从详情查询中消失，但仍保留在 fleet 成员列表里（模拟提供方的最终一致）
func (f *Fleet) Vanish(fleetID, instanceID string) {
	f.SetPhase(fleetID, instanceID, fleet.PhaseTerminated)
}

// Remove 从 fleet 成员中移除实例（模拟实例被提供方回收）
func (f *Fleet) Remove(fleetID, instanceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mf, ok := f.fleets[fleetID]; ok {
		delete(mf.instances, instanceID)
	}
}

// Desired 返回目标容量及上下限
func (f *Fleet) Desired(fleetID string) (desired, minSize, maxSize int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mf, ok := f.fleets[fleetID]; ok {
		return mf.desired, mf.minSize, mf.maxSize
	}
	return 0, 0, 0
}

// Tags 返回实例上的标签
func (f *Fleet) Tags(fleetID, instanceID string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mf, ok := f.fleets[fleetID]; ok {
		return maps.Clone(mf.tags[instanceID])
	}
	return nil
}

// Calls 返回调用计数
func (f *Fleet) Calls() Calls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fleet) lookup(id fleet.Identity) (*memFleet, error) {
	mf, ok := f.fleets[id.FleetID]
	if !ok {
		return nil, fleet.NewConfigurationError(id, fmt.Errorf("memory fleet %q not found", id.FleetID))
	}
	return mf, nil
}

// GetState 实现 fleet.Backend
func (f *Fleet) GetState(ctx context.Context, id fleet.Identity) (*fleet.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.GetState++
	if f.GetStateErr != nil {
		return nil, f.GetStateErr
	}
	mf, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	if f.AutoLaunch {
		f.launchUpTo(mf)
	}
	return fleet.NewStats(id.FleetID, mf.desired, mf.state, slices.Collect(maps.Keys(mf.instances)), mf.weights), nil
}

func (f *Fleet) launchUpTo(mf *memFleet) {
	for len(mf.instances) < mf.desired {
		f.seq++
		id := fmt.Sprintf("i-mem%06d", f.seq)
		mf.instances[id] = fleet.InstanceDetail{
			InstanceID:   id,
			PrivateIP:    fmt.Sprintf("10.0.%d.%d", f.seq/250, f.seq%250+1),
			InstanceType: f.InstanceType,
			Phase:        fleet.PhaseRunning,
		}
	}
}

// Modify 实现 fleet.Backend；缩容不会终止任何实例
func (f *Fleet) Modify(ctx context.Context, id fleet.Identity, targetCapacity, minSize, maxSize int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.Modify++
	if f.ModifyErr != nil {
		return f.ModifyErr
	}
	mf, err := f.lookup(id)
	if err != nil {
		return err
	}
	mf.desired = max(0, targetCapacity)
	mf.minSize = minSize
	mf.maxSize = maxSize
	return nil
}

// DescribeInstances 实现 fleet.Backend；未知或已终止的实例不出现在结果中
func (f *Fleet) DescribeInstances(ctx context.Context, id fleet.Identity, instanceIDs []string) (map[string]fleet.InstanceDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.Describe++
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	mf, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	out := make(map[string]fleet.InstanceDetail, len(instanceIDs))
	for _, batch := range fleet.Batches(instanceIDs, fleet.DescribeBatchSize) {
		for _, iid := range batch {
			d, ok := mf.instances[iid]
			if !ok || d.Phase.Gone() {
				continue
			}
			out[iid] = d
		}
	}
	return out, nil
}

// Terminate 实现 fleet.Backend
func (f *Fleet) Terminate(ctx context.Context, id fleet.Identity, instanceIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.Terminate++
	if f.TerminateErr != nil {
		return f.TerminateErr
	}
	mf, err := f.lookup(id)
	if err != nil {
		return err
	}
	for _, iid := range instanceIDs {
		delete(mf.instances, iid)
		delete(mf.tags, iid)
	}
	return nil
}

// Tag 实现 fleet.Backend
func (f *Fleet) Tag(ctx context.Context, id fleet.Identity, instanceIDs []string, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.Tag++
	mf, err := f.lookup(id)
	if err != nil {
		return err
	}
	for _, iid := range instanceIDs {
		if mf.tags[iid] == nil {
			mf.tags[iid] = make(map[string]string)
		}
		mf.tags[iid][key] = value
	}
	return nil
}

// ListCandidates 实现 fleet.Backend
func (f *Fleet) ListCandidates(ctx context.Context, id fleet.Identity) ([]fleet.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fleet.Candidate, 0, len(f.fleets))
	for _, fid := range slices.Sorted(maps.Keys(f.fleets)) {
		out = append(out, fleet.Candidate{ID: fid, State: string(f.fleets[fid].state), Type: string(fleet.KindMemory)})
	}
	return out, nil
}
