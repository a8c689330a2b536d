package awsfleet

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

// SDKClients 从默认凭据链加载配置，按区域缓存客户端
type SDKClients struct {
	defaultRegion string
	profile       string

	mu   sync.Mutex
	cfgs map[string]aws.Config
}

var _ Clients = (*SDKClients)(nil)

// NewSDKClients 创建客户端工厂；region 为空的 fleet 使用 defaultRegion
func NewSDKClients(defaultRegion, profile string) *SDKClients {
	return &SDKClients{
		defaultRegion: defaultRegion,
		profile:       profile,
		cfgs:          make(map[string]aws.Config),
	}
}

func (c *SDKClients) config(ctx context.Context, region string) (aws.Config, error) {
	if region == "" {
		region = c.defaultRegion
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg, ok := c.cfgs[region]; ok {
		return cfg, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if c.profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config for region %q: %w", region, err)
	}
	c.cfgs[region] = cfg
	return cfg, nil
}

// EC2 实现 Clients
func (c *SDKClients) EC2(ctx context.Context, region string) (EC2API, error) {
	cfg, err := c.config(ctx, region)
	if err != nil {
		return nil, err
	}
	return ec2.NewFromConfig(cfg), nil
}

// AutoScaling 实现 Clients
func (c *SDKClients) AutoScaling(ctx context.Context, region string) (AutoScalingAPI, error) {
	cfg, err := c.config(ctx, region)
	if err != nil {
		return nil, err
	}
	return autoscaling.NewFromConfig(cfg), nil
}

// CloudFormation 栈管理客户端（多标签模式）
func (c *SDKClients) CloudFormation(ctx context.Context, region string) (*cloudformation.Client, error) {
	cfg, err := c.config(ctx, region)
	if err != nil {
		return nil, err
	}
	return cloudformation.NewFromConfig(cfg), nil
}
