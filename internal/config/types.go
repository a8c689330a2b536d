// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（common.yaml → {env}.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码只存在 .env 或进程环境中（YAML 中不存储任何密码）；
//	AWS 凭据走 SDK 默认凭据链，这里只配置区域和 profile。
//
// 配置路径确定策略：
//  1. --config 命令行参数（显式路径）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/fleet-agents/
//     - dev/test → ./configs/
package config

import (
	"time"

	"fleet-agents/pkg/logging"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server      ServerConfig       `yaml:"server"`
	Redis       RedisConfig        `yaml:"redis"`
	Etcd        EtcdConfig         `yaml:"etcd"`
	AWS         AWSConfig          `yaml:"aws"`
	Log         logging.Config     `yaml:"log"`
	Driver      DriverConfig       `yaml:"driver"`
	State       StateConfig        `yaml:"state"`
	Controllers []ControllerConfig `yaml:"controllers"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
	Enabled  bool   `yaml:"enabled"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ElectionTTL int           `yaml:"election_ttl"` // 秒
}

// AWSConfig AWS 区域与 profile
type AWSConfig struct {
	Region            string `yaml:"region"`
	Profile           string `yaml:"profile"`
	StackTemplateFile string `yaml:"stack_template_file"` // 为空时使用内置 Spot Fleet 模板
}

// DriverConfig 周期驱动配置
type DriverConfig struct {
	UpdateInterval    time.Duration `yaml:"update_interval"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
	PlannerInterval   time.Duration `yaml:"planner_interval"`
	TaskEventsStream  string        `yaml:"task_events_stream"`
}

// StateConfig 本地状态（未配置 etcd 时保存控制器 ID）
type StateConfig struct {
	OwnerIDFile string `yaml:"owner_id_file"`
}

// ControllerConfig 单个受管 fleet 的配置
type ControllerConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // spot_fleet / auto_scaling_group / ec2_fleet / memory
	FleetID string `yaml:"fleet_id"`
	Region  string `yaml:"region"`
	Label   string `yaml:"label"`

	MinSize                int  `yaml:"min_size"`
	MaxSize                int  `yaml:"max_size"`
	NumExecutors           int  `yaml:"num_executors"`
	ScaleExecutorsByWeight bool `yaml:"scale_executors_by_weight"`
	AddNodeOnlyIfRunning   bool `yaml:"add_node_only_if_running"`
	PrivateIPUsed          bool `yaml:"private_ip_used"`

	MaxTotalUses    int           `yaml:"max_total_uses"` // -1 不限
	IdleTimeout     time.Duration `yaml:"idle_timeout"`   // ≤0 不因空闲回收
	AlwaysReconnect bool          `yaml:"always_reconnect"`

	OnlineTimeout  time.Duration `yaml:"online_timeout"`  // ≤0 不等待上线
	OnlineInterval time.Duration `yaml:"online_interval"` // ≤0 不等待上线

	Stack *StackConfig `yaml:"stack"`
}

// StackConfig 按标签动态创建 fleet（多标签模式）
type StackConfig struct {
	Labels      []string          `yaml:"labels"`
	NamePrefix  string            `yaml:"name_prefix"`
	Params      map[string]string `yaml:"params"`
	IdleTimeout time.Duration     `yaml:"idle_timeout"` // 标签无 Agent 且无计划容量超过该时长后删除
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	RedisURL       string
	RedisEnabled   bool
	EtcdEndpoints  []string
	EtcdPrefix     string
	EtcdTimeout    time.Duration
	ElectionTTL    int
	APIPort        string
	AWS            AWSConfig
	Log            logging.Config
	Driver         DriverConfig
	OwnerIDFile    string
	Controllers    []ControllerConfig
	ConfigFilePath string // 实际加载的配置文件路径
}

// yamlConfigInternal 内部包装，记录配置文件来源（不参与 YAML 序列化）
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}
