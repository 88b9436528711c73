package main

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/3cpo-dev/knot/internal/core"
	"github.com/3cpo-dev/knot/internal/ssh"
	"github.com/3cpo-dev/knot/pkg/api"
	"github.com/spf13/cobra"
)

func newContainerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "container", Short: "Manage virtualization containers"}

	add := &cobra.Command{
		Use:   "add <id> <backend>",
		Short: "Add a container on a host or in a hangar",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _ := cmd.Flags().GetString("host")
			hangar, _ := cmd.Flags().GetString("hangar")
			ct := api.Container{ID: args[0], Backend: args[1]}
			switch {
			case host != "" && hangar != "":
				return errors.New("--host and --hangar are exclusive")
			case host != "":
				ct.ParentKind, ct.ParentID = api.ParentHost, host
			case hangar != "":
				ct.ParentKind, ct.ParentID = api.ParentHangar, hangar
			default:
				return errors.New("one of --host or --hangar is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.store.ReadWrite(ctx, func(tx *core.Tx) error {
					if ct.ParentKind == api.ParentHost {
						h, err := tx.Compute(ct.ParentID)
						if err != nil {
							return err
						}
						if h.IsVirtual() {
							return fmt.Errorf("%s is not a host", h)
						}
					}
					return tx.PutContainer(ct)
				})
			})
		},
	}
	add.Flags().String("host", "", "id of the host compute")
	add.Flags().String("hangar", "", "name of the hangar")

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var cts []api.Container
				err := a.store.ReadOnly(ctx, func(tx *core.Tx) error {
					var err error
					cts, err = tx.Containers("")
					return err
				})
				if err != nil {
					return err
				}
				table := newTable(cmd.OutOrStdout(), "id", "backend", "parent", "parent id")
				for _, ct := range cts {
					table.Append([]string{ct.ID, ct.Backend, string(ct.ParentKind), ct.ParentID})
				}
				table.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(add, ls)
	return cmd
}

func newPoolCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pool", Short: "Manage IPv4 address pools"}

	add := &cobra.Command{
		Use:   "add <name> <first> <last>",
		Short: "Add an address range",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := core.ParsePool(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.store.ReadWrite(ctx, func(tx *core.Tx) error { return tx.AddPool(pool) })
			})
		},
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List pools and their usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var (
					pools []api.IPPool
					usage map[string]int
				)
				err := a.store.ReadOnly(ctx, func(tx *core.Tx) error {
					var err error
					if pools, err = tx.Pools(); err != nil {
						return err
					}
					usage, err = tx.PoolUsage()
					return err
				})
				if err != nil {
					return err
				}
				table := newTable(cmd.OutOrStdout(), "name", "first", "last", "allocated")
				for _, p := range pools {
					table.Append([]string{p.Name, p.Minimum.String(), p.Maximum.String(), strconv.Itoa(usage[p.Name])})
				}
				table.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(add, ls)
	return cmd
}

func newPrincipalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "principal", Short: "Manage principals and credit profiles"}

	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or update a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groups, _ := cmd.Flags().GetStringSlice("groups")
			uid, _ := cmd.Flags().GetString("uid")
			credit, _ := cmd.Flags().GetFloat64("credit")
			cooldown, _ := cmd.Flags().GetInt("cooldown")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.store.ReadWrite(ctx, func(tx *core.Tx) error {
					if err := tx.PutPrincipal(api.Principal{ID: args[0], Groups: groups}); err != nil {
						return err
					}
					if !cmd.Flags().Changed("credit") && uid == "" {
						return nil
					}
					if uid == "" {
						uid = args[0]
					}
					return tx.PutCreditProfile(api.CreditProfile{
						PrincipalID:     args[0],
						UID:             uid,
						Credit:          credit,
						CreditTimestamp: time.Now(),
						CooldownSeconds: cooldown,
					})
				})
			})
		},
	}
	add.Flags().StringSlice("groups", nil, "groups the principal is a member of")
	add.Flags().String("uid", "", "billing account id (defaults to the principal id)")
	add.Flags().Float64("credit", 0, "initial credit")
	add.Flags().Int("cooldown", 0, "seconds between credit checks (0 uses auth.billing_timeout)")

	logCmd := &cobra.Command{
		Use:   "log <id>",
		Short: "Show the audit trail of a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.store.ReadOnly(ctx, func(tx *core.Tx) error {
					entries, err := tx.Audit(args[0], limit)
					if err != nil {
						return err
					}
					table := newTable(cmd.OutOrStdout(), "time", "subject", "message")
					for _, e := range entries {
						table.Append([]string{e.Time.Local().Format(time.RFC3339), e.Subject, e.Message})
					}
					table.Render()
					return nil
				})
			})
		},
	}
	logCmd.Flags().Int("limit", 50, "number of entries")

	cmd.AddCommand(add, logCmd)
	return cmd
}

func newHostCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "host", Short: "Host maintenance over SSH"}

	push := &cobra.Command{
		Use:   "push-template <host> <file>",
		Short: "Upload a VM template to a host",
		Long: "Upload a VM template to the template directory of a host over SFTP and verify its " +
			"sha256 sum. <host> is a host compute id or a host name.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			backend, _ := cmd.Flags().GetString("backend")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				hostname := args[0]
				c, err := a.service.Compute(ctx, args[0])
				switch {
				case err == nil && c.IsVirtual():
					return fmt.Errorf("%s is not a host", c)
				case err == nil:
					hostname = c.Hostname
				case !errors.Is(err, core.ErrNotFound):
					return err
				}
				tc, err := sshSettings(a.cfg)
				if err != nil {
					return err
				}
				remote := path.Join(dir, backend, filepath.Base(args[1]))
				tt := &ssh.TemplateTransfer{Client: ssh.NewTransport(tc).Client(hostname)}
				sum, err := tt.Push(ctx, args[1], remote)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s:%s\n", sum, hostname, remote)
				return nil
			})
		},
	}
	push.Flags().String("dir", "/var/lib/knot/templates", "template directory on the host")
	push.Flags().String("backend", "kvm", "virtualization backend subdirectory")

	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the SSH key used to reach hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			keyPath := cfg.SSH.KeyPath
			if keyPath == "" {
				keyPath = filepath.Join(core.ConfigDir(), "id_ed25519")
			}
			pub, err := ssh.GenerateEd25519Keypair(keyPath)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), pub)
			return nil
		},
	}

	trust := &cobra.Command{
		Use:   "trust <host[:port]> <authorized-key>",
		Short: "Record the SSH host key of a host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			kh := cfg.SSH.KnownHosts
			if kh == "" {
				kh = filepath.Join(core.ConfigDir(), "known_hosts")
			}
			return ssh.AppendKnownHost(kh, args[0], args[1])
		},
	}

	cmd.AddCommand(push, keygen, trust)
	return cmd
}
