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

// SpotFleet 维持容量的 Spot Fleet 请求
type SpotFleet struct {
	instanceOps
}

var _ fleet.Backend = (*SpotFleet)(nil)

// NewSpotFleet 创建 Spot Fleet 网关
func NewSpotFleet(clients Clients) *SpotFleet {
	return &SpotFleet{instanceOps{clients: clients, retry: defaultRetryPolicy()}}
}

// Kind 实现 fleet.Backend
func (s *SpotFleet) Kind() fleet.Kind { return fleet.KindSpotFleet }

// GetState 实现 fleet.Backend
func (s *SpotFleet) GetState(ctx context.Context, id fleet.Identity) (*fleet.Stats, error) {
	api, err := s.clients.EC2(ctx, id.Region)
	if err != nil {
		return nil, err
	}

	var cfg *types.SpotFleetRequestConfig
	err = s.retry.do(ctx, "DescribeSpotFleetRequests", func() error {
		resp, err := api.DescribeSpotFleetRequests(ctx, &ec2.DescribeSpotFleetRequestsInput{
			SpotFleetRequestIds: []string{id.FleetID},
		})
		if err != nil {
			return classify(id, err)
		}
		if len(resp.SpotFleetRequestConfigs) == 0 {
			return fleet.NewConfigurationError(id, fmt.Errorf("spot fleet request not found"))
		}
		cfg = &resp.SpotFleetRequestConfigs[0]
		return nil
	})
	if err != nil {
		return nil, err
	}

	instances, err := s.activeInstances(ctx, api, id)
	if err != nil {
		return nil, err
	}

	desired := 0
	weights := map[string]float64{}
	if data := cfg.SpotFleetRequestConfig; data != nil {
		desired = int(aws.ToInt32(data.TargetCapacity))
		for _, spec := range data.LaunchSpecifications {
			if spec.WeightedCapacity != nil {
				weights[string(spec.InstanceType)] = *spec.WeightedCapacity
			}
		}
		for _, ltc := range data.LaunchTemplateConfigs {
			for _, o := range ltc.Overrides {
				if o.WeightedCapacity != nil {
					weights[string(o.InstanceType)] = *o.WeightedCapacity
				}
			}
		}
	}
	return fleet.NewStats(id.FleetID, desired, spotFleetState(string(cfg.SpotFleetRequestState)), instances, weights), nil
}

func (s *SpotFleet) activeInstances(ctx context.Context, api EC2API, id fleet.Identity) ([]string, error) {
	var instances []string
	input := &ec2.DescribeSpotFleetInstancesInput{SpotFleetRequestId: aws.String(id.FleetID)}
	for {
		var resp *ec2.DescribeSpotFleetInstancesOutput
		err := s.retry.do(ctx, "DescribeSpotFleetInstances", func() error {
			var err error
			resp, err = api.DescribeSpotFleetInstances(ctx, input)
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
			return instances, nil
		}
		input.NextToken = resp.NextToken
	}
}

// spotFleetState 映射 Spot Fleet 请求状态
func spotFleetState(state string) fleet.State {
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
		// cancelled / cancelled_running / cancelled_terminating
		return fleet.StateCancelled
	}
}

// Modify 实现 fleet.Backend
//
// Spot Fleet 没有上下限的概念，minSize/maxSize 由控制器自行约束。
func (s *SpotFleet) Modify(ctx context.Context, id fleet.Identity, targetCapacity, minSize, maxSize int) error {
	api, err := s.clients.EC2(ctx, id.Region)
	if err != nil {
		return err
	}
	start := time.Now()
	err = s.retry.do(ctx, "ModifySpotFleetRequest", func() error {
		_, err := api.ModifySpotFleetRequest(ctx, &ec2.ModifySpotFleetRequestInput{
			SpotFleetRequestId:              aws.String(id.FleetID),
			TargetCapacity:                  aws.Int32(int32(max(0, targetCapacity))),
			ExcessCapacityTerminationPolicy: types.ExcessCapacityTerminationPolicyNoTermination,
		})
		return classify(id, err)
	})
	logger.ProviderCallLog("ModifySpotFleetRequest", id.FleetID, time.Since(start), err)
	return err
}

// DescribeInstances 实现 fleet.Backend
func (s *SpotFleet) DescribeInstances(ctx context.Context, id fleet.Identity, instanceIDs []string) (map[string]fleet.InstanceDetail, error) {
	return s.describe(ctx, id, instanceIDs)
}

// Terminate 实现 fleet.Backend
func (s *SpotFleet) Terminate(ctx context.Context, id fleet.Identity, instanceIDs []string) error {
	return s.terminate(ctx, id, instanceIDs)
}

// Tag 实现 fleet.Backend
func (s *SpotFleet) Tag(ctx context.Context, id fleet.Identity, instanceIDs []string, key, value string) error {
	return s.tag(ctx, id, instanceIDs, key, value)
}

// ListCandidates 列出区域内所有 Spot Fleet 请求
func (s *SpotFleet) ListCandidates(ctx context.Context, id fleet.Identity) ([]fleet.Candidate, error) {
	api, err := s.clients.EC2(ctx, id.Region)
	if err != nil {
		return nil, err
	}
	var out []fleet.Candidate
	input := &ec2.DescribeSpotFleetRequestsInput{}
	for {
		resp, err := api.DescribeSpotFleetRequests(ctx, input)
		if err != nil {
			return nil, classify(id, err)
		}
		for _, c := range resp.SpotFleetRequestConfigs {
			typ := "request"
			if c.SpotFleetRequestConfig != nil && c.SpotFleetRequestConfig.Type != "" {
				typ = string(c.SpotFleetRequestConfig.Type)
			}
			out = append(out, fleet.Candidate{
				ID:    aws.ToString(c.SpotFleetRequestId),
				State: string(c.SpotFleetRequestState),
				Type:  typ,
			})
		}
		if aws.ToString(resp.NextToken) == "" {
			return out, nil
		}
		input.NextToken = resp.NextToken
	}
}
