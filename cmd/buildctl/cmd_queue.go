package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/buildfarm/internal/api/handlers"
	"github.com/narvanalabs/buildfarm/internal/models"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Commands to inspect and manipulate the build queue",
}

var queueSubmitCmd = &cobra.Command{
	Use:   "submit [job-type] [payload.json]",
	Short: "Submit a job; payload is read from a file or '-' for stdin",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		var payload []byte
		var err error
		if args[1] == "-" {
			payload, err = io.ReadAll(os.Stdin)
		} else {
			payload, err = os.ReadFile(args[1])
		}
		if err != nil {
			log.Fatal(err)
		}

		req := handlers.SubmitRequest{
			JobType: models.JobType(args[0]),
			Payload: json.RawMessage(payload),
		}
		req.Processor, _ = cmd.Flags().GetString("processor")
		if cmd.Flags().Changed("virtualized") {
			v, _ := cmd.Flags().GetBool("virtualized")
			req.Virtualized = &v
		}
		if d, _ := cmd.Flags().GetDuration("estimate"); d > 0 {
			req.EstimatedDurationSeconds = int64(d / time.Second)
		}

		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		entry, err := NewClient().Submit(ctx, req)
		if err != nil {
			log.Fatal(err)
		}
		if printJSON(entry) {
			return
		}
		fmt.Printf("queued %d (job %d) on %s, estimate %s\n",
			entry.ID, entry.JobID, entry.Platform(), entry.EstimatedDuration)
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count waiting, running and pinned entries",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		stats, err := NewClient().Stats(ctx)
		if err != nil {
			log.Fatal(err)
		}
		if printJSON(stats) {
			return
		}
		fmt.Printf("waiting: %d\nrunning: %d\npinned:  %d\n", stats.Waiting, stats.Running, stats.Manual)
	},
}

var queueShowCmd = &cobra.Command{
	Use:   "show [id]...",
	Short: "Show queue entries with their start estimate",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		c := NewClient()
		for _, id := range parseIDs(args) {
			detail, err := c.Describe(ctx, id)
			if err != nil {
				log.Fatal(err)
			}
			est, err := c.Estimate(ctx, id)
			if err != nil {
				log.Fatal(err)
			}
			if printJSON(map[string]any{"entry": detail, "estimate": est}) {
				continue
			}

			e := detail.Entry
			fmt.Printf("%d: %s job %d\n", e.ID, e.JobType, e.JobID)
			fmt.Printf("  Platform:  %s\n", e.Platform())
			fmt.Printf("  Score:     %d", e.LastScore)
			if e.Manual {
				fmt.Print(" (pinned)")
			}
			fmt.Println()
			fmt.Printf("  State:     %s\n", detail.BuildState)
			fmt.Printf("  Log:       %s\n", detail.LogFileName)
			switch {
			case est.Running:
				fmt.Printf("  Builder:   %s\n", e.BuilderID)
			case est.Known:
				fmt.Printf("  Starts:    %s (worker %ds + queue %ds behind %s)\n",
					est.StartAt.Local().Format(time.RFC3339),
					est.WaitForWorkerSeconds, est.QueueDelaySeconds, est.HeadPlatform)
			default:
				fmt.Println("  Starts:    unknown, no eligible builders")
			}
			fmt.Println()
		}
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "rm [id]...",
	Short: "Destroy queue entries",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		c := NewClient()
		for _, id := range parseIDs(args) {
			if err := c.Destroy(ctx, id); err != nil {
				log.Fatal(err)
			}
			log.Println("destroyed", id)
		}
	},
}

var queueScoreCmd = &cobra.Command{
	Use:   "score [id] [value]",
	Short: "Rescore an entry, or pin its score to value (admin)",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		id := parseIDs(args[:1])[0]
		c := NewClient()

		var resp *handlers.ScoreResponse
		var err error
		if len(args) == 2 {
			value, perr := strconv.Atoi(args[1])
			if perr != nil {
				log.Fatalf("invalid score %q", args[1])
			}
			resp, err = c.SetScore(ctx, id, value)
		} else {
			resp, err = c.Score(ctx, id)
		}
		if err != nil {
			log.Fatal(err)
		}
		if printJSON(resp) {
			return
		}
		fmt.Printf("%d: %d pinned=%t\n", resp.QueueID, resp.Score, resp.Manual)
	},
}

var queueAssignCmd = &cobra.Command{
	Use:   "assign [id] [builder]",
	Short: "Hand an entry to a builder",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		entry, err := NewClient().Assign(ctx, parseIDs(args[:1])[0], args[1])
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("%d assigned to %s", entry.ID, entry.BuilderID)
	},
}

var queueResetCmd = &cobra.Command{
	Use:   "reset [id]...",
	Short: "Return entries to the waiting state",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		c := NewClient()
		for _, id := range parseIDs(args) {
			if _, err := c.Reset(ctx, id); err != nil {
				log.Fatal(err)
			}
			log.Println("reset", id)
		}
	},
}

var candidatesCmd = &cobra.Command{
	Use:   "candidates [processor]...",
	Short: "List dispatchable entries for builders of the given processors",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := DefaultDeadlineContext()
		defer cancel()

		ids, err := NewClient().Candidates(ctx, args)
		if err != nil {
			log.Fatal(err)
		}
		if printJSON(ids) {
			return
		}
		for i, id := range ids {
			fmt.Printf("%d: %d\n", i+1, id)
		}
	},
}

func parseIDs(args []string) []int64 {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			log.Fatalf("invalid queue id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids
}

func init() {
	queueSubmitCmd.Flags().String("processor", "", "Processor, for job types that leave it open")
	queueSubmitCmd.Flags().Bool("virtualized", true, "Require a virtualized builder, for job types that leave it open")
	queueSubmitCmd.Flags().Duration("estimate", 0, "Estimated build duration (default: history or server default)")

	queueCmd.AddCommand(queueSubmitCmd, queueStatsCmd, queueShowCmd, queueRemoveCmd,
		queueScoreCmd, queueAssignCmd, queueResetCmd)
	rootCmd.AddCommand(queueCmd, candidatesCmd)
}
