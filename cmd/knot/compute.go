package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/3cpo-dev/knot/internal/core"
	"github.com/3cpo-dev/knot/internal/dispatch"
	"github.com/3cpo-dev/knot/pkg/api"
	"github.com/spf13/cobra"
)

func newComputeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "compute",
		Aliases: []string{"vm"},
		Short:   "Manage hosts and virtual machines",
	}
	cmd.AddCommand(newComputeLsCmd())
	cmd.AddCommand(newComputeShowCmd())
	cmd.AddCommand(newComputeCreateCmd())
	cmd.AddCommand(newComputeSetCmd())
	cmd.AddCommand(newComputeDeleteCmd())
	cmd.AddCommand(newComputeChownCmd())
	cmd.AddCommand(newComputeActionCmd())
	return cmd
}

func newComputeLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List computes",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			kind, _ := cmd.Flags().GetString("kind")
			container, _ := cmd.Flags().GetString("container")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				computes, err := a.service.ListComputes(ctx, core.ComputeFilter{
					Owner:     owner,
					Kind:      api.ComputeKind(kind),
					Container: container,
				})
				if err != nil {
					return err
				}
				printComputes(cmd.OutOrStdout(), computes)
				return nil
			})
		},
	}
	cmd.Flags().String("owner", "", "only computes of this owner")
	cmd.Flags().String("kind", "", "host or virtual")
	cmd.Flags().String("container", "", "only computes in this container")
	return cmd
}

func newComputeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one compute as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				c, err := a.service.Compute(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), c)
			})
		},
	}
}

func newComputeCreateCmd() *cobra.Command {
	var c api.Compute
	var kind string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a host or a virtual machine",
		Long: "Create a compute record. A virtual machine placed in a host container is deployed " +
			"after a short delay; one placed in a hangar is first allocated to a host.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c.Kind = api.ComputeKind(kind)
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.principal(cmd)
				if err != nil {
					return err
				}
				created, err := a.service.CreateCompute(ctx, p, c)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), created.ID)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&c.ID, "id", "", "identifier (generated when empty)")
	f.StringVar(&c.Hostname, "hostname", "", "host name")
	f.StringVar(&kind, "kind", string(api.KindVirtual), "host or virtual")
	f.StringVar(&c.State, "state", "", "requested state: active, inactive or suspended")
	f.StringVar(&c.Owner, "owner", "", "owner (defaults to the principal)")
	f.Float64Var(&c.CPULimit, "cpu-limit", 0, "CPU limit")
	f.Float64Var(&c.Memory, "memory", 1, "memory in GiB")
	f.IntVar(&c.NumCores, "cores", 1, "number of cores")
	f.Float64Var(&c.SwapSize, "swap", 0, "swap size in GiB")
	f.Float64Var(&c.DiskSize, "disk", 0, "disk size in GiB")
	f.StringVar(&c.Template, "template", "", "VM template")
	f.StringVar(&c.IPv4Address, "ip", "", "IPv4 address (allocated from the pools when empty)")
	f.StringVar(&c.ContainerID, "container", "", "container the VM is placed in")
	_ = cmd.MarkFlagRequired("hostname")
	return cmd
}

// parseAssignments turns key=value arguments into a change set.
func parseAssignments(args []string) (map[string]any, error) {
	changes := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		changes[k] = v
	}
	return changes, nil
}

func newComputeSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <id> key=value...",
		Short: "Modify compute fields",
		Long: "Modify compute fields. Changing state starts, stops or suspends the VM; changing " +
			"cpu_limit, memory, num_cores or swap_size reconfigures it on its host.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			changes, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.principal(cmd)
				if err != nil {
					return err
				}
				c, err := a.service.ModifyCompute(ctx, p, args[0], changes)
				if err != nil {
					return err
				}
				printComputes(cmd.OutOrStdout(), []api.Compute{*c})
				return nil
			})
		},
	}
}

func newComputeDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a compute, tearing down its VM and releasing its address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.principal(cmd)
				if err != nil {
					return err
				}
				if err := a.service.DeleteCompute(ctx, p, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newComputeChownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chown <id> <owner>",
		Short: "Change the owner of a compute",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.principal(cmd)
				if err != nil {
					return err
				}
				return a.service.ChangeOwner(ctx, p, args[0], args[1])
			})
		},
	}
}

func newComputeActionCmd() *cobra.Command {
	names := make([]string, 0)
	for _, op := range dispatch.Operations() {
		names = append(names, string(op))
	}
	return &cobra.Command{
		Use:       "action <id> <operation>",
		Short:     "Run a remote operation against a compute",
		Long:      "Run a remote operation against a compute. Operations: " + strings.Join(names, ", "),
		Args:      cobra.ExactArgs(2),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := dispatch.ParseOperation(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				p, err := a.principal(cmd)
				if err != nil {
					return err
				}
				res, err := a.service.RunAction(ctx, p, args[0], op)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}
