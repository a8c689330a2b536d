package awsfleet

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"

	"fleet-agents/internal/fleet"
)

// protectionBatchSize SetInstanceProtection 单次调用的实例上限
const protectionBatchSize = 50

// AutoScalingGroup 托管伸缩组
//
// 伸缩组自身会在缩容时挑选实例终止，因此 Modify 同时开启新实例的缩容保护，
// 并对现有成员补设保护，保证实例的终止只由控制器发起。
type AutoScalingGroup struct {
	instanceOps
}

var _ fleet.Backend = (*AutoScalingGroup)(nil)

// NewAutoScalingGroup 创建伸缩组网关
func NewAutoScalingGroup(clients Clients) *AutoScalingGroup {
	return &AutoScalingGroup{instanceOps{clients: clients, retry: defaultRetryPolicy()}}
}

// Kind 实现 fleet.Backend
func (g *AutoScalingGroup) Kind() fleet.Kind { return fleet.KindAutoScalingGroup }

func (g *AutoScalingGroup) describeGroup(ctx context.Context, api AutoScalingAPI, id fleet.Identity) (*astypes.AutoScalingGroup, error) {
	var group *astypes.AutoScalingGroup
	err := g.retry.do(ctx, "DescribeAutoScalingGroups", func() error {
		resp, err := api.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
			AutoScalingGroupNames: []string{id.FleetID},
		})
		if err != nil {
			return classify(id, err)
		}
		if len(resp.AutoScalingGroups) == 0 {
			return fleet.NewConfigurationError(id, fmt.Errorf("auto scaling group not found"))
		}
		group = &resp.AutoScalingGroups[0]
		return nil
	})
	return group, err
}

// GetState 实现 fleet.Backend
func (g *AutoScalingGroup) GetState(ctx context.Context, id fleet.Identity) (*fleet.Stats, error) {
	api, err := g.clients.AutoScaling(ctx, id.Region)
	if err != nil {
		return nil, err
	}
	group, err := g.describeGroup(ctx, api, id)
	if err != nil {
		return nil, err
	}

	var instances []string
	weights := map[string]float64{}
	for _, inst := range group.Instances {
		if !memberState(inst.LifecycleState) {
			continue
		}
		instances = append(instances, aws.ToString(inst.InstanceId))
		if w, ok := parseWeight(inst.WeightedCapacity); ok {
			weights[aws.ToString(inst.InstanceType)] = w
		}
	}
	if p := group.MixedInstancesPolicy; p != nil && p.LaunchTemplate != nil {
		for _, o := range p.LaunchTemplate.Overrides {
			if w, ok := parseWeight(o.WeightedCapacity); ok {
				weights[aws.ToString(o.InstanceType)] = w
			}
		}
	}

	state := fleet.StateActive
	if group.Status != nil && strings.Contains(strings.ToLower(*group.Status), "delete") {
		state = fleet.StateCancelled
	}
	return fleet.NewStats(id.FleetID, int(aws.ToInt32(group.DesiredCapacity)), state, instances, weights), nil
}

// memberState 实例是否仍算作伸缩组成员
func memberState(s astypes.LifecycleState) bool {
	return !strings.HasPrefix(string(s), "Terminat")
}

func parseWeight(s *string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	w, err := strconv.ParseFloat(*s, 64)
	if err != nil || w <= 0 {
		return 0, false
	}
	return w, true
}

// Modify 实现 fleet.Backend
//
// 伸缩组要求 min ≤ desired ≤ max，目标低于下限时（显式覆盖下限的终止）同步下调下限。
func (g *AutoScalingGroup) Modify(ctx context.Context, id fleet.Identity, targetCapacity, minSize, maxSize int) error {
	api, err := g.clients.AutoScaling(ctx, id.Region)
	if err != nil {
		return err
	}
	target := max(0, targetCapacity)
	maxSize = max(maxSize, target)
	minSize = min(max(0, minSize), target)

	start := time.Now()
	err = g.retry.do(ctx, "UpdateAutoScalingGroup", func() error {
		_, err := api.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
			AutoScalingGroupName:             aws.String(id.FleetID),
			MinSize:                          aws.Int32(int32(minSize)),
			MaxSize:                          aws.Int32(int32(maxSize)),
			DesiredCapacity:                  aws.Int32(int32(target)),
			NewInstancesProtectedFromScaleIn: aws.Bool(true),
		})
		return classify(id, err)
	})
	logger.ProviderCallLog("UpdateAutoScalingGroup", id.FleetID, time.Since(start), err)
	if err != nil {
		return err
	}
	return g.protectMembers(ctx, api, id)
}

// protectMembers 对尚未开启缩容保护的成员补设保护
func (g *AutoScalingGroup) protectMembers(ctx context.Context, api AutoScalingAPI, id fleet.Identity) error {
	group, err := g.describeGroup(ctx, api, id)
	if err != nil {
		return err
	}
	var unprotected []string
	for _, inst := range group.Instances {
		if memberState(inst.LifecycleState) && !aws.ToBool(inst.ProtectedFromScaleIn) {
			unprotected = append(unprotected, aws.ToString(inst.InstanceId))
		}
	}
	slices.Sort(unprotected)
	for chunk := range slices.Chunk(unprotected, protectionBatchSize) {
		err := g.retry.do(ctx, "SetInstanceProtection", func() error {
			_, err := api.SetInstanceProtection(ctx, &autoscaling.SetInstanceProtectionInput{
				AutoScalingGroupName: aws.String(id.FleetID),
				InstanceIds:          chunk,
				ProtectedFromScaleIn: aws.Bool(true),
			})
			return classify(id, err)
		})
		if err != nil {
			return fmt.Errorf("protect instances in %s: %w", id, err)
		}
	}
	return nil
}

// DescribeInstances 实现 fleet.Backend
func (g *AutoScalingGroup) DescribeInstances(ctx context.Context, id fleet.Identity, instanceIDs []string) (map[string]fleet.InstanceDetail, error) {
	return g.describe(ctx, id, instanceIDs)
}

// Terminate 实现 fleet.Backend
func (g *AutoScalingGroup) Terminate(ctx context.Context, id fleet.Identity, instanceIDs []string) error {
	return g.terminate(ctx, id, instanceIDs)
}

// Tag 实现 fleet.Backend
func (g *AutoScalingGroup) Tag(ctx context.Context, id fleet.Identity, instanceIDs []string, key, value string) error {
	return g.tag(ctx, id, instanceIDs, key, value)
}

// ListCandidates 列出区域内所有伸缩组
func (g *AutoScalingGroup) ListCandidates(ctx context.Context, id fleet.Identity) ([]fleet.Candidate, error) {
	api, err := g.clients.AutoScaling(ctx, id.Region)
	if err != nil {
		return nil, err
	}
	var out []fleet.Candidate
	input := &autoscaling.DescribeAutoScalingGroupsInput{}
	for {
		resp, err := api.DescribeAutoScalingGroups(ctx, input)
		if err != nil {
			return nil, classify(id, err)
		}
		for _, group := range resp.AutoScalingGroups {
			state := "active"
			if group.Status != nil {
				state = *group.Status
			}
			out = append(out, fleet.Candidate{
				ID:    aws.ToString(group.AutoScalingGroupName),
				State: state,
				Type:  string(fleet.KindAutoScalingGroup),
			})
		}
		if aws.ToString(resp.NextToken) == "" {
			return out, nil
		}
		input.NextToken = resp.NextToken
	}
}
