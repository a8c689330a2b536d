package agent

// TerminationReason Agent 退役原因
type TerminationReason string

const (
	ReasonAgentDeleted    TerminationReason = "agent-deleted"
	ReasonExcessCapacity  TerminationReason = "excess-capacity"
	ReasonUsesExhausted   TerminationReason = "max-total-uses-exhausted"
	ReasonIdleForTooLong  TerminationReason = "idle-for-too-long"
	ReasonInstanceMissing TerminationReason = "instance-missing"
)

// OverridesMinSize 该原因是否允许突破 fleet 最小容量约束
//
// 显式删除和配额用尽必须执行；容量过剩与空闲超时遵守最小容量。
func (r TerminationReason) OverridesMinSize() bool {
	switch r {
	case ReasonAgentDeleted, ReasonUsesExhausted:
		return true
	default:
		return false
	}
}

// String 实现 fmt.Stringer
func (r TerminationReason) String() string {
	return string(r)
}
