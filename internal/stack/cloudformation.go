package stack

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"

	"fleet-agents/deployments"
	"fleet-agents/pkg/logging"
)

// FleetOutputKey 模板中输出 fleet ID 的键
const FleetOutputKey = "FleetId"

// CloudFormationAPI 用到的 CloudFormation 接口子集
type CloudFormationAPI interface {
	CreateStack(ctx context.Context, in *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	DeleteStack(ctx context.Context, in *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
	DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
}

var _ CloudFormationAPI = (*cloudformation.Client)(nil)

// CloudFormation 基于 CloudFormation 的栈供给
type CloudFormation struct {
	api      CloudFormationAPI
	template string
	tags     map[string]string
	log      *logging.Logger
}

var _ Provisioner = (*CloudFormation)(nil)

// NewCloudFormation 创建栈供给；template 为空时使用内置的 Spot Fleet 模板
func NewCloudFormation(api CloudFormationAPI, template string, tags map[string]string) *CloudFormation {
	if template == "" {
		template = deployments.SpotFleetTemplate
	}
	return &CloudFormation{
		api:      api,
		template: template,
		tags:     tags,
		log:      logging.Default("stack"),
	}
}

// Create 实现 Provisioner
func (c *CloudFormation) Create(ctx context.Context, name string, params map[string]string) (string, error) {
	in := &cloudformation.CreateStackInput{
		StackName:    aws.String(name),
		TemplateBody: aws.String(c.template),
		Capabilities: []cftypes.Capability{cftypes.CapabilityCapabilityIam},
	}
	for _, k := range slices.Sorted(maps.Keys(params)) {
		in.Parameters = append(in.Parameters, cftypes.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(params[k]),
		})
	}
	for _, k := range slices.Sorted(maps.Keys(c.tags)) {
		in.Tags = append(in.Tags, cftypes.Tag{Key: aws.String(k), Value: aws.String(c.tags[k])})
	}

	out, err := c.api.CreateStack(ctx, in)
	if err != nil {
		return "", fmt.Errorf("create stack %s: %w", name, err)
	}
	c.log.Info("stack create requested", "stack", name, "stack_id", aws.ToString(out.StackId))
	return aws.ToString(out.StackId), nil
}

// Delete 实现 Provisioner
func (c *CloudFormation) Delete(ctx context.Context, stackID string) error {
	_, err := c.api.DeleteStack(ctx, &cloudformation.DeleteStackInput{StackName: aws.String(stackID)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete stack %s: %w", stackID, err)
	}
	c.log.Info("stack delete requested", "stack_id", stackID)
	return nil
}

// Describe 实现 Provisioner
func (c *CloudFormation) Describe(ctx context.Context, name string) (*Stack, error) {
	out, err := c.api.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(name)})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("describe stack %s: %w", name, err)
	}
	if len(out.Stacks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	s := out.Stacks[0]
	result := &Stack{
		StackID: aws.ToString(s.StackId),
		Status:  Status(s.StackStatus),
	}
	for _, o := range s.Outputs {
		if aws.ToString(o.OutputKey) == FleetOutputKey {
			result.FleetID = aws.ToString(o.OutputValue)
		}
	}
	return result, nil
}

// isNotFound CloudFormation 对不存在的栈返回 ValidationError
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" && strings.Contains(apiErr.ErrorMessage(), "does not exist")
}
