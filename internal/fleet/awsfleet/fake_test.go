package awsfleet

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// fakeEC2 按需覆盖的 EC2 假实现，未覆盖的方法调用会 panic
type fakeEC2 struct {
	EC2API

	mu              sync.Mutex
	describeCalls   [][]string
	describeFn      func(in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
	terminateCalls  [][]string
	terminateFn     func(in *ec2.TerminateInstancesInput) error
	tagCalls        []*ec2.CreateTagsInput
	spotRequestsFn  func(in *ec2.DescribeSpotFleetRequestsInput) (*ec2.DescribeSpotFleetRequestsOutput, error)
	spotInstancesFn func(in *ec2.DescribeSpotFleetInstancesInput) (*ec2.DescribeSpotFleetInstancesOutput, error)
	spotModify      []*ec2.ModifySpotFleetRequestInput
	fleetsFn        func(in *ec2.DescribeFleetsInput) (*ec2.DescribeFleetsOutput, error)
	fleetInstances  []string
	fleetModify     []*ec2.ModifyFleetInput
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	f.describeCalls = append(f.describeCalls, append([]string(nil), in.InstanceIds...))
	f.mu.Unlock()
	if f.describeFn != nil {
		return f.describeFn(in)
	}
	return runningReservation(in.InstanceIds...), nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	f.terminateCalls = append(f.terminateCalls, append([]string(nil), in.InstanceIds...))
	f.mu.Unlock()
	if f.terminateFn != nil {
		return &ec2.TerminateInstancesOutput{}, f.terminateFn(in)
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) CreateTags(ctx context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.mu.Lock()
	f.tagCalls = append(f.tagCalls, in)
	f.mu.Unlock()
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) DescribeSpotFleetRequests(ctx context.Context, in *ec2.DescribeSpotFleetRequestsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotFleetRequestsOutput, error) {
	return f.spotRequestsFn(in)
}

func (f *fakeEC2) DescribeSpotFleetInstances(ctx context.Context, in *ec2.DescribeSpotFleetInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeSpotFleetInstancesOutput, error) {
	return f.spotInstancesFn(in)
}

func (f *fakeEC2) ModifySpotFleetRequest(ctx context.Context, in *ec2.ModifySpotFleetRequestInput, _ ...func(*ec2.Options)) (*ec2.ModifySpotFleetRequestOutput, error) {
	f.spotModify = append(f.spotModify, in)
	return &ec2.ModifySpotFleetRequestOutput{Return: aws.Bool(true)}, nil
}

func (f *fakeEC2) DescribeFleets(ctx context.Context, in *ec2.DescribeFleetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeFleetsOutput, error) {
	return f.fleetsFn(in)
}

func (f *fakeEC2) DescribeFleetInstances(ctx context.Context, in *ec2.DescribeFleetInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeFleetInstancesOutput, error) {
	out := &ec2.DescribeFleetInstancesOutput{}
	for _, id := range f.fleetInstances {
		out.ActiveInstances = append(out.ActiveInstances, types.ActiveInstance{InstanceId: aws.String(id)})
	}
	return out, nil
}

func (f *fakeEC2) ModifyFleet(ctx context.Context, in *ec2.ModifyFleetInput, _ ...func(*ec2.Options)) (*ec2.ModifyFleetOutput, error) {
	f.fleetModify = append(f.fleetModify, in)
	return &ec2.ModifyFleetOutput{Return: aws.Bool(true)}, nil
}

// fakeASG 伸缩组假实现
type fakeASG struct {
	AutoScalingAPI

	groupFn    func() *autoscaling.DescribeAutoScalingGroupsOutput
	updates    []*autoscaling.UpdateAutoScalingGroupInput
	protection [][]string
}

func (f *fakeASG) DescribeAutoScalingGroups(ctx context.Context, in *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	return f.groupFn(), nil
}

func (f *fakeASG) UpdateAutoScalingGroup(ctx context.Context, in *autoscaling.UpdateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
	f.updates = append(f.updates, in)
	return &autoscaling.UpdateAutoScalingGroupOutput{}, nil
}

func (f *fakeASG) SetInstanceProtection(ctx context.Context, in *autoscaling.SetInstanceProtectionInput, _ ...func(*autoscaling.Options)) (*autoscaling.SetInstanceProtectionOutput, error) {
	f.protection = append(f.protection, in.InstanceIds)
	return &autoscaling.SetInstanceProtectionOutput{}, nil
}

// fakeClients 固定返回同一组假客户端
type fakeClients struct {
	ec2 EC2API
	asg AutoScalingAPI
}

func (c fakeClients) EC2(ctx context.Context, region string) (EC2API, error) { return c.ec2, nil }

func (c fakeClients) AutoScaling(ctx context.Context, region string) (AutoScalingAPI, error) {
	return c.asg, nil
}

func fastRetry() retryPolicy {
	return retryPolicy{Attempts: 3, Delay: time.Millisecond}
}

func apiError(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg}
}

func runningReservation(ids ...string) *ec2.DescribeInstancesOutput {
	var instances []types.Instance
	for _, id := range ids {
		instances = append(instances, types.Instance{
			InstanceId:       aws.String(id),
			PrivateIpAddress: aws.String("10.0.0.1"),
			InstanceType:     types.InstanceTypeM5Large,
			State:            &types.InstanceState{Name: types.InstanceStateNameRunning},
		})
	}
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{Instances: instances}}}
}
