package api

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"time"
)

// v0 contains the record types shared by the store, the orchestrator and the CLI.

type ComputeKind string

const (
	KindHost    ComputeKind = "host"
	KindVirtual ComputeKind = "virtual"
)

const (
	StateActive    = "active"
	StateInactive  = "inactive"
	StateSuspended = "suspended"
)

// Field names accepted by Compute.Field and Compute.SetField. They double as
// the keys of lifecycle event maps.
const (
	FieldHostname = "hostname"
	FieldState    = "state"
	FieldCPULimit = "cpu_limit"
	FieldMemory   = "memory"
	FieldNumCores = "num_cores"
	FieldSwapSize = "swap_size"
	FieldDiskSize = "disk_size"
	FieldTemplate = "template"
	FieldIPv4     = "ipv4_address"
)

// Observed fields reflect what hosts report. Only raw store writes set
// them; they are never accepted as user modifications.
const (
	FieldEffectiveState = "effective_state"
	FieldDeployed       = "deployed"
)

// Compute is either a physical host or a virtual instance placed in a
// container. Memory, swap and disk sizes are expressed in GiB.
type Compute struct {
	ID             string      `json:"id" yaml:"id"`
	Hostname       string      `json:"hostname" yaml:"hostname"`
	Kind           ComputeKind `json:"kind" yaml:"kind"`
	State          string      `json:"state" yaml:"state"`
	EffectiveState string      `json:"effective_state" yaml:"effective_state"`
	Owner          string      `json:"owner" yaml:"owner"`
	CPULimit       float64     `json:"cpu_limit" yaml:"cpu_limit"`
	Memory         float64     `json:"memory" yaml:"memory"`
	NumCores       int         `json:"num_cores" yaml:"num_cores"`
	SwapSize       float64     `json:"swap_size" yaml:"swap_size"`
	DiskSize       float64     `json:"disk_size" yaml:"disk_size"`
	Template       string      `json:"template" yaml:"template"`
	IPv4Address    string      `json:"ipv4_address" yaml:"ipv4_address"`
	Deployed       bool        `json:"deployed" yaml:"deployed"`
	ContainerID    string      `json:"container_id,omitempty" yaml:"container_id"`
}

func (c *Compute) IsVirtual() bool { return c.Kind == KindVirtual }

func (c *Compute) String() string {
	if c.Hostname != "" {
		return c.Hostname
	}
	return c.ID
}

// Field returns the current value of a named mutable field.
func (c *Compute) Field(name string) (any, error) {
	switch name {
	case FieldHostname:
		return c.Hostname, nil
	case FieldState:
		return c.State, nil
	case FieldCPULimit:
		return c.CPULimit, nil
	case FieldMemory:
		return c.Memory, nil
	case FieldNumCores:
		return c.NumCores, nil
	case FieldSwapSize:
		return c.SwapSize, nil
	case FieldDiskSize:
		return c.DiskSize, nil
	case FieldTemplate:
		return c.Template, nil
	case FieldIPv4:
		return c.IPv4Address, nil
	}
	return nil, fmt.Errorf("unknown field %q", name)
}

// SetField assigns a named mutable field, converting numeric and string
// representations as decoded from JSON, YAML or command line flags.
func (c *Compute) SetField(name string, v any) error {
	var err error
	switch name {
	case FieldHostname:
		c.Hostname, err = toString(v)
	case FieldState:
		var s string
		if s, err = toString(v); err == nil {
			if !ValidState(s) {
				return fmt.Errorf("invalid state %q", s)
			}
			c.State = s
		}
	case FieldCPULimit:
		c.CPULimit, err = toFloat(v)
	case FieldMemory:
		c.Memory, err = toFloat(v)
	case FieldNumCores:
		c.NumCores, err = toInt(v)
	case FieldSwapSize:
		c.SwapSize, err = toFloat(v)
	case FieldDiskSize:
		c.DiskSize, err = toFloat(v)
	case FieldTemplate:
		c.Template, err = toString(v)
	case FieldIPv4:
		c.IPv4Address, err = toString(v)
	default:
		return fmt.Errorf("unknown field %q", name)
	}
	if err != nil {
		return fmt.Errorf("field %s: %w", name, err)
	}
	return nil
}

func ValidState(s string) bool {
	return s == StateActive || s == StateInactive || s == StateSuspended
}

type ContainerParent string

const (
	ParentHangar ContainerParent = "hangar"
	ParentHost   ContainerParent = "host"
)

// Container is a virtualization container. Its parent is either a hangar
// (a capacity pool of not yet placed instances) or a host compute.
type Container struct {
	ID         string          `json:"id" yaml:"id"`
	Backend    string          `json:"backend" yaml:"backend"`
	ParentKind ContainerParent `json:"parent_kind" yaml:"parent_kind"`
	ParentID   string          `json:"parent_id" yaml:"parent_id"`
}

type Principal struct {
	ID     string   `json:"id" yaml:"id"`
	Groups []string `json:"groups" yaml:"groups"`
}

func (p Principal) InGroup(group string) bool { return slices.Contains(p.Groups, group) }

// CreditProfile caches the last credit value reported by the billing
// service for a principal.
type CreditProfile struct {
	PrincipalID     string    `json:"principal_id"`
	UID             string    `json:"uid"`
	Credit          float64   `json:"credit"`
	CreditTimestamp time.Time `json:"credit_timestamp"`
	CooldownSeconds int       `json:"cooldown_seconds"`
}

func (p CreditProfile) HasCredit() bool { return p.Credit > 0 }

// NextCheck is the earliest time the profile should be refreshed. A zero
// per-profile cooldown falls back to def.
func (p CreditProfile) NextCheck(def time.Duration) time.Time {
	cooldown := def
	if p.CooldownSeconds > 0 {
		cooldown = time.Duration(p.CooldownSeconds) * time.Second
	}
	return p.CreditTimestamp.Add(cooldown)
}

// IPPool is a contiguous, inclusive IPv4 range.
type IPPool struct {
	Name    string     `json:"name"`
	Minimum netip.Addr `json:"minimum"`
	Maximum netip.Addr `json:"maximum"`
}

func (p IPPool) Contains(a netip.Addr) bool {
	return p.Minimum.Compare(a) <= 0 && p.Maximum.Compare(a) >= 0
}

func toString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	}
	return "", fmt.Errorf("expected string, got %T", v)
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(t, 64)
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if t != float64(int(t)) {
			return 0, fmt.Errorf("expected integer, got %v", t)
		}
		return int(t), nil
	case json.Number:
		n, err := t.Int64()
		return int(n), err
	case string:
		return strconv.Atoi(t)
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}
