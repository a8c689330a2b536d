package controller

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"fleet-agents/internal/agent"
	"fleet-agents/internal/fleet"
	"fleet-agents/internal/onlinegate"
)

// GroupSnapshot 单个 fleet 的调和状态
type GroupSnapshot struct {
	Label               string                             `json:"label"`
	Identity            fleet.Identity                     `json:"identity"`
	Ready               bool                               `json:"ready"`
	StackName           string                             `json:"stack_name,omitempty"`
	StackID             string                             `json:"stack_id,omitempty"`
	State               fleet.State                        `json:"state,omitempty"`
	NumDesired          int                                `json:"num_desired"`
	NumActive           int                                `json:"num_active"`
	TargetCapacity      int                                `json:"target_capacity"`
	ToAdd               int                                `json:"to_add"`
	PendingTerminations map[string]agent.TerminationReason `json:"pending_terminations"`
	Terminating         []string                           `json:"terminating"`
	Agents              []string                           `json:"agents"`
	NewFleetInstances   []string                           `json:"new_fleet_instances"`
	Planned             []onlinegate.Snapshot              `json:"planned"`
	UnusedSince         *time.Time                         `json:"unused_since,omitempty"`
}

// Snapshot 控制器状态快照
type Snapshot struct {
	Name         string          `json:"name"`
	OwnerID      string          `json:"owner_id"`
	Kind         string          `json:"kind"`
	LabelMode    bool            `json:"label_mode"`
	MinSize      int             `json:"min_size"`
	MaxSize      int             `json:"max_size"`
	NumExecutors int             `json:"num_executors"`
	Groups       []GroupSnapshot `json:"groups"`
}

// Snapshot 返回当前状态快照
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Name:         c.cfg.Name,
		OwnerID:      c.ownerID,
		Kind:         c.cfg.Kind,
		LabelMode:    c.cfg.LabelMode(),
		MinSize:      c.cfg.MinSize,
		MaxSize:      c.cfg.MaxSize,
		NumExecutors: c.cfg.NumExecutors,
		Groups:       make([]GroupSnapshot, 0, len(c.groups)),
	}
	for _, label := range slices.Sorted(maps.Keys(c.groups)) {
		s.Groups = append(s.Groups, c.groups[label].snapshot())
	}
	return s
}

func (g *group) snapshot() GroupSnapshot {
	gs := GroupSnapshot{
		Label:               g.label,
		Identity:            g.identity,
		Ready:               g.ready(),
		StackName:           g.stackName,
		StackID:             g.stackID,
		NumDesired:          g.desired,
		TargetCapacity:      g.targetCapacity,
		ToAdd:               g.toAdd,
		PendingTerminations: maps.Clone(g.pending),
		Terminating:         slices.Sorted(maps.Keys(g.terminating)),
		Agents:              slices.Sorted(maps.Keys(g.agents)),
		NewFleetInstances:   slices.Clone(g.newInstances),
		Planned:             make([]onlinegate.Snapshot, 0, len(g.planned)),
	}
	if g.stats != nil {
		gs.State = g.stats.State()
		gs.NumActive = g.stats.NumActive()
	}
	for _, p := range g.planned {
		gs.Planned = append(gs.Planned, p.Snapshot())
	}
	if !g.unusedSince.IsZero() {
		t := g.unusedSince
		gs.UnusedSince = &t
	}
	return gs
}

// Candidates 列出可选 fleet（通过第一个已就绪 fleet 在注册表中的绑定）
func (c *Controller) Candidates(ctx context.Context) ([]fleet.Candidate, error) {
	c.mu.Lock()
	var (
		id    fleet.Identity
		found bool
	)
	name := c.cfg.Name
	for _, label := range slices.Sorted(maps.Keys(c.groups)) {
		if g := c.groups[label]; g.ready() {
			id, found = g.identity, true
			break
		}
	}
	c.mu.Unlock()

	if !found {
		return nil, fmt.Errorf("controller %s: %w", name, ErrNotReady)
	}
	b, err := c.deps.Backends.Resolve(id)
	if err != nil {
		return nil, fmt.Errorf("controller %s: %w", name, err)
	}
	return b.ListCandidates(ctx, id)
}
