// Package deployments 嵌入部署相关文件到二进制
//
// 包含：
//   - cloudformation/spot-fleet.yaml: 按标签创建 Spot Fleet 的栈模板
package deployments

import (
	_ "embed"
)

// SpotFleetTemplate 标签模式下默认使用的 CloudFormation 模板
//
//go:embed cloudformation/spot-fleet.yaml
var SpotFleetTemplate string
