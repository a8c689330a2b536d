package onlinegate

import (
	"container/heap"
	"time"

	"fleet-agents/internal/agent"
)

// watch 一个待评估的 Placeholder
type watch struct {
	placeholder *Placeholder
	agent       *agent.Agent
	timeout     time.Duration
	interval    time.Duration
	due         time.Time
}

// dueHeap 按下次评估时间排序的最小堆
type dueHeap []*watch

var _ heap.Interface = (*dueHeap)(nil)

func (h dueHeap) Len() int           { return len(h) }
func (h dueHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h dueHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *dueHeap) Push(x any) {
	*h = append(*h, x.(*watch))
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}

func (h dueHeap) peek() *watch {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
