package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fleet-agents/internal/fleet"
	"fleet-agents/pkg/logging"
)

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("invalid config")

var validKinds = map[fleet.Kind]bool{
	fleet.KindSpotFleet:        true,
	fleet.KindAutoScalingGroup: true,
	fleet.KindEC2Fleet:         true,
	fleet.KindMemory:           true,
}

// Load 加载配置
// 1. 加载 .env.{env}（敏感信息）
// 2. 加载 common.yaml 与 {env}.yaml
// 3. 环境变量覆盖
// 4. 填充默认值并校验
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg, err := loadYAMLConfig(env)
	if err != nil {
		return nil, err
	}
	return build(env, yamlCfg)
}

// LoadFile 从单个文件加载（测试与 --config-file 使用）
func LoadFile(path string) (*Config, error) {
	cfg := defaultYAMLConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.loadedFrom = path
	return build(parseEnv(getEnv("APP_ENV", "dev")), cfg)
}

func build(env Environment, yamlCfg *yamlConfigInternal) (*Config, error) {
	y := yamlCfg.YAMLConfig

	y.Redis.Password = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_URL"); v != "" {
		y.Redis.URL = v
		y.Redis.Enabled = true
	}
	if v := firstEnv("AWS_REGION", "AWS_DEFAULT_REGION"); v != "" {
		y.AWS.Region = v
	}
	if v := os.Getenv("AWS_PROFILE"); v != "" {
		y.AWS.Profile = v
	}
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		y.Etcd.Endpoints = splitList(v)
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		y.Server.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		y.Log.Level = v
	}

	cfg := &Config{
		Env:            env,
		RedisURL:       buildRedisURL(y.Redis),
		RedisEnabled:   y.Redis.Enabled,
		EtcdEndpoints:  y.Etcd.Endpoints,
		EtcdPrefix:     y.Etcd.Prefix,
		EtcdTimeout:    y.Etcd.DialTimeout,
		ElectionTTL:    y.Etcd.ElectionTTL,
		APIPort:        y.Server.Port,
		AWS:            y.AWS,
		Log:            y.Log,
		Driver:         y.Driver,
		OwnerIDFile:    y.State.OwnerIDFile,
		Controllers:    y.Controllers,
		ConfigFilePath: yamlCfg.loadedFrom,
	}
	cfg.validate()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultYAMLConfig() *yamlConfigInternal {
	return &yamlConfigInternal{YAMLConfig: YAMLConfig{
		Server: ServerConfig{Port: "8090"},
		Redis:  RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		Etcd:   EtcdConfig{Prefix: "/fleet-agents", DialTimeout: 5 * time.Second, ElectionTTL: 15},
		AWS:    AWSConfig{Region: "us-east-1"},
		Log:    logging.Config{Level: "info", Format: "text", Output: "stdout"},
		Driver: DriverConfig{
			UpdateInterval:    time.Minute,
			RetentionInterval: time.Minute,
			PlannerInterval:   10 * time.Second,
			TaskEventsStream:  "fleet:task-events",
		},
		State: StateConfig{OwnerIDFile: "fleet-owners.yaml"},
	}}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) (*yamlConfigInternal, error) {
	cfg := defaultYAMLConfig()

	for _, name := range []string{"common.yaml", fmt.Sprintf("%s.yaml", env)} {
		for _, base := range effectiveConfigPaths() {
			path := filepath.Join(base, name)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			cfg.loadedFrom = path
			break
		}
	}
	return cfg, nil
}

// validate 填充默认值
func (c *Config) validate() {
	if c.APIPort == "" {
		c.APIPort = "8090"
	}
	if c.EtcdPrefix == "" {
		c.EtcdPrefix = "/fleet-agents"
	}
	if c.EtcdTimeout == 0 {
		c.EtcdTimeout = 5 * time.Second
	}
	if c.ElectionTTL <= 0 {
		c.ElectionTTL = 15
	}
	if c.Driver.UpdateInterval <= 0 {
		c.Driver.UpdateInterval = time.Minute
	}
	if c.Driver.RetentionInterval <= 0 {
		c.Driver.RetentionInterval = time.Minute
	}
	if c.Driver.PlannerInterval <= 0 {
		c.Driver.PlannerInterval = 10 * time.Second
	}
	if c.Driver.TaskEventsStream == "" {
		c.Driver.TaskEventsStream = "fleet:task-events"
	}
	for i := range c.Controllers {
		c.Controllers[i].applyDefaults()
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	names := make(map[string]bool, len(c.Controllers))
	var errs []error
	for _, cc := range c.Controllers {
		if err := cc.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if names[cc.Name] {
			errs = append(errs, fmt.Errorf("%w: duplicate controller name %q", ErrInvalidConfig, cc.Name))
		}
		names[cc.Name] = true
	}
	return errors.Join(errs...)
}

// applyDefaults 填充控制器默认值
func (c *ControllerConfig) applyDefaults() {
	if c.Kind == "" {
		c.Kind = string(fleet.KindSpotFleet)
	}
	if c.NumExecutors < 1 {
		c.NumExecutors = 1
	}
	if c.MaxTotalUses == 0 {
		c.MaxTotalUses = -1
	}
	if c.Label == "" {
		c.Label = c.Name
	}
	if c.Stack != nil {
		if c.Stack.NamePrefix == "" {
			c.Stack.NamePrefix = "fleet-agents-" + c.Name
		}
		if c.Stack.IdleTimeout <= 0 {
			c.Stack.IdleTimeout = 30 * time.Minute
		}
	}
}

// Validate 校验单个控制器配置
func (c *ControllerConfig) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: controller name is required", ErrInvalidConfig)
	case !validKinds[fleet.Kind(c.Kind)]:
		return fmt.Errorf("%w: controller %q: unknown kind %q", ErrInvalidConfig, c.Name, c.Kind)
	case c.FleetID == "" && !c.LabelMode():
		return fmt.Errorf("%w: controller %q: fleet_id is required", ErrInvalidConfig, c.Name)
	case c.MinSize < 0:
		return fmt.Errorf("%w: controller %q: min_size must not be negative", ErrInvalidConfig, c.Name)
	case c.MaxSize < c.MinSize:
		return fmt.Errorf("%w: controller %q: max_size %d < min_size %d", ErrInvalidConfig, c.Name, c.MaxSize, c.MinSize)
	case c.LabelMode() && len(c.Stack.Labels) == 0:
		return fmt.Errorf("%w: controller %q: stack.labels is required", ErrInvalidConfig, c.Name)
	}
	return nil
}

// LabelMode 是否为按标签动态创建 fleet 的模式
func (c *ControllerConfig) LabelMode() bool {
	return c.Stack != nil
}

// Labels 控制器负责的所有标签
func (c *ControllerConfig) Labels() []string {
	if c.LabelMode() {
		return c.Stack.Labels
	}
	return []string{c.Label}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
