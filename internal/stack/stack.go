// Package stack 模板/栈供给（按标签动态创建 fleet）
//
// 控制器只依赖 Provisioner 的黑盒契约：创建、删除、按名称查询（含输出的 fleet ID）。
package stack

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound 栈不存在
var ErrNotFound = errors.New("stack not found")

// Status 栈状态（沿用 CloudFormation 的取值）
type Status string

// Ready 创建/更新已完成
func (s Status) Ready() bool {
	return s == "CREATE_COMPLETE" || s == "UPDATE_COMPLETE"
}

// Failed 创建失败或已回滚，需要删除后重建
func (s Status) Failed() bool {
	v := string(s)
	return strings.HasSuffix(v, "_FAILED") || strings.Contains(v, "ROLLBACK")
}

// InProgress 仍在变更中
func (s Status) InProgress() bool {
	return strings.HasSuffix(string(s), "_IN_PROGRESS")
}

// Stack 栈描述
type Stack struct {
	StackID string `json:"stack_id"`
	FleetID string `json:"fleet_id,omitempty"`
	Status  Status `json:"status"`
}

// Provisioner 栈供给接口
type Provisioner interface {
	// Create 创建栈，返回栈 ID
	Create(ctx context.Context, name string, params map[string]string) (string, error)
	// Delete 删除栈，栈不存在时返回 nil
	Delete(ctx context.Context, stackID string) error
	// Describe 按名称查询，不存在时返回 ErrNotFound
	Describe(ctx context.Context, name string) (*Stack, error)
}
