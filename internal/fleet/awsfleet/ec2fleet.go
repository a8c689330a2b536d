package awsfleet

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"fleet-agents/internal/fleet"
)

// EC2Fleet EC2 Fleet 请求
type EC2Fleet struct {
	instanceOps
}

var _ fleet.Backend = (*EC2Fleet)(nil)

// NewEC2Fleet 创建 EC2 Fleet 网关
func NewEC2Fleet(clients Clients) *EC2Fleet {
	return &EC2Fleet{instanceOps{clients: clients, retry: defaultRetryPolicy()}}
}

// Kind 实现 fleet.Backend
func (f *EC2Fleet) Kind() fleet.Kind { return fleet.KindEC2Fleet }

// GetState 实现 fleet.Backend
func (f *EC2Fleet) GetState(ctx context.Context, id fleet.Identity) (*fleet.Stats, error) {
	api, err := f.clients.EC2(ctx, id.Region)
	if err != nil {
		return nil, err
	}

	var data *types.FleetData
	err = f.retry.do(ctx, "DescribeFleets", func() error {
		resp, err := api.DescribeFleets(ctx, &ec2.DescribeFleetsInput{FleetIds: []string{id.FleetID}})
		if err != nil {
			return classify(id, err)
		}
		if len(resp.Fleets) == 0 {
			return fleet.NewConfigurationError(id, fmt.Errorf("ec2 fleet not found"))
		}
		data = &resp.Fleets[0]
		return nil
	})
	if err != nil {
		return nil, err
	}

	var instances []string
	input := &ec2.DescribeFleetInstancesInput{FleetId: aws.String(id.FleetID)}
	for {
		var resp *ec2.DescribeFleetInstancesOutput
		err := f.retry.do(ctx, "DescribeFleetInstances", func() error {
			var err error
			resp, err = api.DescribeFleetInstances(ctx, input)
			return classify(id, err)
		})
		if err != nil {
			return nil, err
		}
		for _, inst := range resp.ActiveInstances {
			if iid := aws.ToString(inst.InstanceId); iid != "" {
				instances = append(instances, iid)
			}
		}
		if aws.ToString(resp.NextToken) == "" {
			break
		}
		input.NextToken = resp.NextToken
	}

	desired := 0
	if spec := data.TargetCapacitySpecification; spec != nil {
		desired = int(aws.ToInt32(spec.TotalTargetCapacity))
	}
	weights := map[string]float64{}
	for _, ltc := range data.LaunchTemplateConfigs {
		for _, o := range ltc.Overrides {
			if o.WeightedCapacity != nil {
				weights[string(o.InstanceType)] = *o.WeightedCapacity
			}
		}
	}
	return fleet.NewStats(id.FleetID, desired, ec2FleetState(string(data.FleetState)), instances, weights), nil
}

// ec2FleetState 映射 EC2 Fleet 状态
func ec2FleetState(state string) fleet.State {
	switch state {
	case "active":
		return fleet.StateActive
	case "modifying":
		return fleet.StateModifying
	case "submitted":
		return fleet.StateSubmitted
	case "failed":
		return fleet.StateError
	default:
		// deleted / deleted_running / deleted_terminating
		return fleet.StateCancelled
	}
}

// Modify 实现 fleet.Backend
func (f *EC2Fleet) Modify(ctx context.Context, id fleet.Identity, targetCapacity, minSize, maxSize int) error {
	api, err := f.clients.EC2(ctx, id.Region)
	if err != nil {
		return err
	}
	start := time.Now()
	err = f.retry.do(ctx, "ModifyFleet", func() error {
		_, err := api.ModifyFleet(ctx, &ec2.ModifyFleetInput{
			FleetId: aws.String(id.FleetID),
			TargetCapacitySpecification: &types.TargetCapacitySpecificationRequest{
				TotalTargetCapacity: aws.Int32(int32(max(0, targetCapacity))),
			},
			ExcessCapacityTerminationPolicy: types.FleetExcessCapacityTerminationPolicyNoTermination,
		})
		return classify(id, err)
	})
	logger.ProviderCallLog("ModifyFleet", id.FleetID, time.Since(start), err)
	return err
}

// DescribeInstances 实现 fleet.Backend
func (f *EC2Fleet) DescribeInstances(ctx context.Context, id fleet.Identity, instanceIDs []string) (map[string]fleet.InstanceDetail, error) {
	return f.describe(ctx, id, instanceIDs)
}

// Terminate 实现 fleet.Backend
func (f *EC2Fleet) Terminate(ctx context.Context, id fleet.Identity, instanceIDs []string) error {
	return f.terminate(ctx, id, instanceIDs)
}

// Tag 实现 fleet.Backend
func (f *EC2Fleet) Tag(ctx context.Context, id fleet.Identity, instanceIDs []string, key, value string) error {
	return f.tag(ctx, id, instanceIDs, key, value)
}

// ListCandidates 列出区域内 maintain 类型的 EC2 Fleet
func (f *EC2Fleet) ListCandidates(ctx context.Context, id fleet.Identity) ([]fleet.Candidate, error) {
	api, err := f.clients.EC2(ctx, id.Region)
	if err != nil {
		return nil, err
	}
	var out []fleet.Candidate
	input := &ec2.DescribeFleetsInput{}
	for {
		resp, err := api.DescribeFleets(ctx, input)
		if err != nil {
			return nil, classify(id, err)
		}
		for _, d := range resp.Fleets {
			if d.Type != types.FleetTypeMaintain {
				continue
			}
			out = append(out, fleet.Candidate{
				ID:    aws.ToString(d.FleetId),
				State: string(d.FleetState),
				Type:  string(d.Type),
			})
		}
		if aws.ToString(resp.NextToken) == "" {
			return out, nil
		}
		input.NextToken = resp.NextToken
	}
}
