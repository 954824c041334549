// Command fwctl is the end-user CLI for the fwgatekeeper daemon.
//
// fwctl talks to fwgatekeeperd over its Unix-domain operator socket to add
// and remove per-application egress blocking rules, list what is currently
// active, and inspect recent denied connection attempts.
//
// Usage:
//
//	fwctl add <app> <target>   - Block app from reaching target (IP or domain)
//	fwctl remove <rule_id>     - Remove a blocking rule by id
//	fwctl list                 - List all currently active rules
//	fwctl stats                - Show cumulative engine activity counters
//	fwctl tail [n]             - Show the n most recent denied attempts (default 20)
//	fwctl status               - Show daemon status and version
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Vaidhanik/Firewall-sub000/internal/buildinfo"
	"github.com/Vaidhanik/Firewall-sub000/internal/config"
	"github.com/Vaidhanik/Firewall-sub000/internal/log"
	"github.com/Vaidhanik/Firewall-sub000/pkg/client"
)

func main() {
	cfg, err := config.New().Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	cli := client.New(cfg.Socket.Path)

	root := &cobra.Command{
		Use:   "fwctl",
		Short: "fwgatekeeper per-application egress firewall CLI",
		Long: `fwctl controls the fwgatekeeperd daemon, which blocks individual
applications from reaching specific IPs or domains at the network level.`,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("version: %s\n", buildinfo.Version)
			fmt.Printf("commit: %s\n", buildinfo.Commit)
		},
	}

	addCmd := &cobra.Command{
		Use:     "add <app> <target>",
		Short:   "Block app from reaching target (IP or domain)",
		Example: "fwctl add curl example.com",
		Args:    cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			id, err := cli.Add(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			color.New(color.FgGreen, color.Bold).Printf("✓ Blocking rule %d added: ", id)
			color.New(color.FgHiWhite).Printf("%s -> %s\n", args[0], args[1])
			return nil
		},
	}

	removeCmd := &cobra.Command{
		Use:     "remove <rule_id>",
		Short:   "Remove a blocking rule by id",
		Example: "fwctl remove 7",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid rule id: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := cli.Remove(ctx, id); err != nil {
				return err
			}
			color.New(color.FgGreen, color.Bold).Printf("✓ Rule %d removed\n", id)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Short:   "List currently active blocking rules",
		Example: "fwctl list",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			rules, err := cli.ListActive(ctx)
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				color.Yellow("No active blocking rules found.")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Rule ID", "App", "Target", "Kind", "Created"})
			table.SetHeaderColor(
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
			)
			table.SetBorder(false)
			table.SetColumnColor(
				tablewriter.Colors{tablewriter.FgHiWhiteColor},
				tablewriter.Colors{tablewriter.FgGreenColor},
				tablewriter.Colors{tablewriter.FgYellowColor},
				tablewriter.Colors{tablewriter.FgHiWhiteColor},
				tablewriter.Colors{tablewriter.FgHiWhiteColor},
			)

			for _, r := range rules {
				table.Append([]string{
					strconv.FormatInt(r.ID, 10),
					r.App,
					r.Target,
					string(r.TargetKind),
					r.CreatedAt.Format(time.RFC3339),
				})
			}

			color.New(color.Bold).Println("ACTIVE BLOCKING RULES:")
			table.Render()
			return nil
		},
	}

	statsCmd := &cobra.Command{
		Use:     "stats",
		Short:   "Show cumulative engine activity counters",
		Example: "fwctl stats",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			st, err := cli.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("active rules:    %d\n", st.ActiveRules)
			fmt.Printf("total adds:      %d\n", st.TotalAdds)
			fmt.Printf("total removes:   %d\n", st.TotalRemoves)
			fmt.Printf("total refreshes: %d\n", st.TotalRefreshes)
			return nil
		},
	}

	tailCmd := &cobra.Command{
		Use:     "tail [n]",
		Short:   "Show the n most recent denied attempts (default 20)",
		Example: "fwctl tail 50",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			n := 20
			if len(args) == 1 {
				var err error
				n, err = strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid count: %w", err)
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			attempts, err := cli.TailAttempts(ctx, n)
			if err != nil {
				return err
			}
			if len(attempts) == 0 {
				color.Yellow("No denied attempts recorded.")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Time", "App", "Source", "Target", "Detail"})
			table.SetBorder(false)
			for _, a := range attempts {
				table.Append([]string{
					a.Timestamp.Format(time.RFC3339),
					a.App,
					a.Source,
					a.Target,
					a.Detail,
				})
			}
			table.Render()
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:     "status",
		Short:   "Show daemon status and version",
		Example: "fwctl status",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			st, err := cli.Status(ctx)
			if err != nil {
				return err
			}
			color.New(color.FgGreen, color.Bold).Println("fwgatekeeperd is running")
			fmt.Printf("active rules: %d\n", st.ActiveRules)
			fmt.Printf("uptime:       %s\n", st.Uptime)
			fmt.Printf("version:      %s (%s)\n", st.Version, st.Commit)
			return nil
		},
	}

	root.AddCommand(addCmd, removeCmd, listCmd, statsCmd, tailCmd, statusCmd, versionCmd)
	if err := root.Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
