package awsfleet

import "fleet-agents/internal/fleet"

// Register 向注册表登记三种 AWS fleet 的默认实现
func Register(reg *fleet.Registry, clients Clients) {
	reg.RegisterKind(NewSpotFleet(clients))
	reg.RegisterKind(NewAutoScalingGroup(clients))
	reg.RegisterKind(NewEC2Fleet(clients))
}
