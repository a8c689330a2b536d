package fleet

import "context"

// Kind fleet 技术类型
type Kind string

const (
	KindSpotFleet        Kind = "spot_fleet"         // 维持容量的 Spot Fleet 请求
	KindAutoScalingGroup Kind = "auto_scaling_group" // 托管伸缩组
	KindEC2Fleet         Kind = "ec2_fleet"          // EC2 Fleet 请求
	KindMemory           Kind = "memory"             // 内存实现（测试/本地调试）
)

// Identity 定位一个 fleet 所需的全部信息
type Identity struct {
	Kind    Kind   `json:"kind"`
	FleetID string `json:"fleet_id"`
	Region  string `json:"region,omitempty"`
}

// String 实现 fmt.Stringer
func (i Identity) String() string {
	if i.Region == "" {
		return string(i.Kind) + "/" + i.FleetID
	}
	return string(i.Kind) + "/" + i.Region + "/" + i.FleetID
}

// Phase 实例生命周期阶段
type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseRunning      Phase = "running"
	PhaseStopping     Phase = "stopping"
	PhaseStopped      Phase = "stopped"
	PhaseShuttingDown Phase = "shutting-down"
	PhaseTerminated   Phase = "terminated"
)

// Gone 实例是否已经（或正在）终止
func (p Phase) Gone() bool {
	return p == PhaseShuttingDown || p == PhaseTerminated
}

// InstanceDetail 实例详情
type InstanceDetail struct {
	InstanceID   string
	PrivateIP    string
	PublicIP     string
	InstanceType string
	Phase        Phase
}

// Address 返回可用于连接的地址，没有可用地址时为空
func (d InstanceDetail) Address(preferPrivate bool) string {
	if preferPrivate {
		return d.PrivateIP
	}
	if d.PublicIP != "" {
		return d.PublicIP
	}
	return d.PrivateIP
}

// Candidate 可供选择的 fleet（用于配置界面/API）
type Candidate struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Type  string `json:"type"`
}

// Backend 弹性 fleet 网关
//
// 所有实现必须满足：
//   - GetState 完整翻页后才返回；fleet 不存在时返回 *ConfigurationError
//   - Modify 幂等，缩容时由控制器决定终止哪个实例（提供方不得自行挑选）
//   - DescribeInstances 对不存在的实例静默忽略（视为已终止）
//   - Terminate 幂等，可重复调用
type Backend interface {
	// Kind 返回实现的 fleet 类型
	Kind() Kind

	// GetState 读取 fleet 状态快照
	GetState(ctx context.Context, id Identity) (*Stats, error)

	// Modify 设置目标容量及上下限
	Modify(ctx context.Context, id Identity, targetCapacity, minSize, maxSize int) error

	// DescribeInstances 批量读取实例详情；结果中缺失的 ID 即已消失的实例
	DescribeInstances(ctx context.Context, id Identity, instanceIDs []string) (map[string]InstanceDetail, error)

	// Terminate 终止实例
	Terminate(ctx context.Context, id Identity, instanceIDs []string) error

	// Tag 给实例打标签（可观测性用途）
	Tag(ctx context.Context, id Identity, instanceIDs []string, key, value string) error

	// ListCandidates 列出可选 fleet
	ListCandidates(ctx context.Context, id Identity) ([]Candidate, error)
}
