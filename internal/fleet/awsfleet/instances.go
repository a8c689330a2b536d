package awsfleet

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"fleet-agents/internal/fleet"
	"fleet-agents/pkg/logging"
)

var logger = logging.Default("awsfleet")

// instanceOps 三种 fleet 共用的 EC2 实例操作
type instanceOps struct {
	clients Clients
	retry   retryPolicy
}

// shrinkOnNotFound 对一个批次执行 call；遇到实例不存在错误时剔除这些 ID 后重试剩余部分
//
// 被剔除的实例视为已终止。无法从错误中解析出 ID 时错误原样返回。
func (o instanceOps) shrinkOnNotFound(ctx context.Context, id fleet.Identity, op string, batch []string, call func(ids []string) error) error {
	remaining := batch
	for len(remaining) > 0 {
		err := o.retry.do(ctx, op, func() error {
			return classify(id, call(remaining))
		})
		if err == nil {
			return nil
		}
		gone, ok := notFoundInstances(err)
		if !ok {
			return fmt.Errorf("%s %s: %w", op, id, err)
		}
		next := slices.DeleteFunc(slices.Clone(remaining), func(s string) bool {
			return slices.Contains(gone, s)
		})
		if len(next) == len(remaining) {
			return fmt.Errorf("%s %s: not-found ids outside batch: %w", op, id, err)
		}
		logger.WithFleet(id.FleetID).Debug("instances vanished, retrying batch",
			"operation", op, "vanished", joinIDs(gone), "remaining", len(next))
		remaining = next
	}
	return nil
}

// describe 批量读取实例详情；已终止或正在终止的实例不出现在结果中
func (o instanceOps) describe(ctx context.Context, id fleet.Identity, instanceIDs []string) (map[string]fleet.InstanceDetail, error) {
	out := make(map[string]fleet.InstanceDetail, len(instanceIDs))
	if len(instanceIDs) == 0 {
		return out, nil
	}
	api, err := o.clients.EC2(ctx, id.Region)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	for _, batch := range fleet.Batches(instanceIDs, fleet.DescribeBatchSize) {
		err := o.shrinkOnNotFound(ctx, id, "DescribeInstances", batch, func(ids []string) error {
			found, err := describePages(ctx, api, ids)
			if err != nil {
				return err
			}
			for k, v := range found {
				out[k] = v
			}
			return nil
		})
		if err != nil {
			logger.ProviderCallLog("DescribeInstances", id.FleetID, time.Since(start), err)
			return nil, err
		}
	}
	logger.ProviderCallLog("DescribeInstances", id.FleetID, time.Since(start), nil)
	return out, nil
}

func describePages(ctx context.Context, api EC2API, ids []string) (map[string]fleet.InstanceDetail, error) {
	found := make(map[string]fleet.InstanceDetail, len(ids))
	input := &ec2.DescribeInstancesInput{InstanceIds: ids}
	for {
		resp, err := api.DescribeInstances(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, r := range resp.Reservations {
			for _, inst := range r.Instances {
				d := toDetail(inst)
				if d.InstanceID == "" || d.Phase.Gone() {
					continue
				}
				found[d.InstanceID] = d
			}
		}
		if aws.ToString(resp.NextToken) == "" {
			return found, nil
		}
		input.NextToken = resp.NextToken
	}
}

func toDetail(inst types.Instance) fleet.InstanceDetail {
	d := fleet.InstanceDetail{
		InstanceID:   aws.ToString(inst.InstanceId),
		PrivateIP:    aws.ToString(inst.PrivateIpAddress),
		PublicIP:     aws.ToString(inst.PublicIpAddress),
		InstanceType: string(inst.InstanceType),
	}
	if inst.State != nil {
		d.Phase = fleet.Phase(inst.State.Name)
	}
	return d
}

// terminate 终止实例；已不存在的实例忽略
func (o instanceOps) terminate(ctx context.Context, id fleet.Identity, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	api, err := o.clients.EC2(ctx, id.Region)
	if err != nil {
		return err
	}
	for _, batch := range fleet.Batches(instanceIDs, fleet.DescribeBatchSize) {
		err := o.shrinkOnNotFound(ctx, id, "TerminateInstances", batch, func(ids []string) error {
			_, err := api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
			return err
		})
		if err != nil {
			return err
		}
	}
	logger.WithFleet(id.FleetID).Info("instances terminated", "instances", joinIDs(instanceIDs))
	return nil
}

// tag 给实例打标签；已不存在的实例忽略
func (o instanceOps) tag(ctx context.Context, id fleet.Identity, instanceIDs []string, key, value string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	api, err := o.clients.EC2(ctx, id.Region)
	if err != nil {
		return err
	}
	tags := []types.Tag{{Key: aws.String(key), Value: aws.String(value)}}
	for _, batch := range fleet.Batches(instanceIDs, fleet.DescribeBatchSize) {
		err := o.shrinkOnNotFound(ctx, id, "CreateTags", batch, func(ids []string) error {
			_, err := api.CreateTags(ctx, &ec2.CreateTagsInput{Resources: ids, Tags: tags})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}
