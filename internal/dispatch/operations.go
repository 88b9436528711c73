package dispatch

import (
	"fmt"
	"sort"
)

// Operation is an abstract remote operation understood by host agents.
type Operation string

const (
	OpHardwareInfo  Operation = "hardware_info"
	OpStart         Operation = "start"
	OpShutdown      Operation = "shutdown"
	OpDestroy       Operation = "destroy"
	OpSuspend       Operation = "suspend"
	OpResume        Operation = "resume"
	OpReboot        Operation = "reboot"
	OpListVMs       Operation = "list_vms"
	OpDeploy        Operation = "deploy"
	OpUndeploy      Operation = "undeploy"
	OpUpdateConfig  Operation = "update_config"
	OpSetOwner      Operation = "set_owner"
	OpBackends      Operation = "backends"
	OpGuestMetrics  Operation = "guest_metrics"
	OpHostMetrics   Operation = "host_metrics"
	OpTemplates     Operation = "templates"
	OpDiskUsage     Operation = "disk_usage"
	OpRoutes        Operation = "routes"
	OpInterfaces    Operation = "interfaces"
	OpUptime        Operation = "uptime"
	OpCleanupHost   Operation = "cleanup_host"
	OpSignedCerts   Operation = "signed_certs"
	OpIncomingHosts Operation = "incoming_hosts"
)

// Strategy selects the executor used for a dispatch.
type Strategy string

const (
	StrategySync  Strategy = "sync"
	StrategyAsync Strategy = "async"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySync, StrategyAsync:
		return Strategy(s), nil
	case "":
		return StrategySync, nil
	}
	return "", fmt.Errorf("unknown executor strategy %q", s)
}

// commands maps each operation to the agent command name.
var commands = map[Operation]string{
	OpHardwareInfo:  "hardware.info",
	OpStart:         "vm.start_vm",
	OpShutdown:      "vm.shutdown_vm",
	OpDestroy:       "vm.destroy_vm",
	OpSuspend:       "vm.suspend_vm",
	OpResume:        "vm.resume_vm",
	OpReboot:        "vm.reboot_vm",
	OpListVMs:       "vm.list_vms",
	OpDeploy:        "vm.deploy_vm",
	OpUndeploy:      "vm.undeploy_vm",
	OpUpdateConfig:  "vm.update_vm",
	OpSetOwner:      "vm.set_owner",
	OpBackends:      "vm.autodetected_backends",
	OpGuestMetrics:  "vm.metrics",
	OpHostMetrics:   "host.metrics",
	OpTemplates:     "vm.get_local_templates",
	OpDiskUsage:     "host.disk_usage",
	OpRoutes:        "network.show_routing_table",
	OpInterfaces:    "host.interfaces",
	OpUptime:        "host.uptime",
	OpCleanupHost:   "certs.cleanup_hosts",
	OpSignedCerts:   "certs.get_signed_certs",
	OpIncomingHosts: "certs.get_hosts_to_sign",
}

// forced pins operations to a strategy regardless of configuration.
var forced = map[Operation]Strategy{
	OpDeploy:   StrategyAsync,
	OpUndeploy: StrategyAsync,
}

// Command returns the agent command name for op.
func (op Operation) Command() (string, error) {
	cmd, ok := commands[op]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
	return cmd, nil
}

func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	if _, ok := commands[op]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownOperation, s)
	}
	return op, nil
}

// Operations lists every dispatchable operation in name order.
func Operations() []Operation {
	out := make([]Operation, 0, len(commands))
	for op := range commands {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
