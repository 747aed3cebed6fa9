package main

import (
	"fmt"
	"log"
	"sort"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/buildfarm/internal/models"
)

var buildersCmd = &cobra.Command{
	Use:   "builders",
	Short: "Commands to inspect the builder fleet",
}

var buildersPoolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Count eligible and idle builders per platform",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		snap, err := NewClient().Pool(ctx)
		if err != nil {
			log.Fatal(err)
		}
		if printJSON(snap) {
			return
		}

		sort.Slice(snap.Counts, func(i, j int) bool {
			return snap.Counts[i].Platform.String() < snap.Counts[j].Platform.String()
		})
		for _, c := range snap.Counts {
			fmt.Printf("%-20s %3d free of %3d\n", c.Platform, c.Free, c.Total)
		}
		fmt.Printf("%-20s %3d\n", "total", snap.TotalWorkers())
	},
}

var buildersNextFreeCmd = &cobra.Command{
	Use:   "next-free [processor]",
	Short: "Estimate the wait until a builder of a platform is free",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		p := models.Platform{}
		if len(args) == 1 {
			p.Processor = args[0]
		}
		p.Virtualized, _ = cmd.Flags().GetBool("virtualized")

		resp, err := NewClient().NextFree(ctx, p)
		if err != nil {
			log.Fatal(err)
		}
		if printJSON(resp) {
			return
		}
		if !resp.Known {
			fmt.Printf("%s: unknown, no eligible builders\n", resp.Platform)
			return
		}
		fmt.Printf("%s: %ds\n", resp.Platform, resp.WaitSeconds)
	},
}

var buildersHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat [id] [processor]",
	Short: "Register a builder or refresh its heartbeat",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		hb := models.Heartbeat{BuilderID: args[0], Processor: args[1]}
		hb.Name, _ = cmd.Flags().GetString("name")
		hb.Virtualized, _ = cmd.Flags().GetBool("virtualized")
		hb.Manual, _ = cmd.Flags().GetBool("manual")

		b, err := NewClient().Heartbeat(ctx, hb)
		if err != nil {
			log.Fatal(err)
		}
		if printJSON(b) {
			return
		}
		log.Printf("%s (%s) healthy on %s", b.ID, b.Name, b.Platform())
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show service health",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		resp, err := NewClient().Health(ctx)
		if resp == nil {
			log.Fatal(err)
		}
		if !printJSON(resp) {
			fmt.Printf("%s (version %s, up %s)\n", resp.Status, resp.Version, resp.Uptime)
			names := make([]string, 0, len(resp.Components))
			for name := range resp.Components {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				c := resp.Components[name]
				fmt.Printf("  %-10s %s %s\n", name, c.Status, c.Message)
			}
		}
		if err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	buildersNextFreeCmd.Flags().Bool("virtualized", true, "Ask about virtualized builders")
	buildersHeartbeatCmd.Flags().String("name", "", "Display name (default: id)")
	buildersHeartbeatCmd.Flags().Bool("virtualized", true, "Builder runs virtualized")
	buildersHeartbeatCmd.Flags().Bool("manual", false, "Exclude the builder from automatic dispatch")

	buildersCmd.AddCommand(buildersPoolCmd, buildersNextFreeCmd, buildersHeartbeatCmd)
	rootCmd.AddCommand(buildersCmd, healthCmd)
}
