package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mtzanidakis/kypseli/internal/orchestrator"
	"github.com/mtzanidakis/kypseli/internal/schedule"
	"github.com/mtzanidakis/kypseli/internal/scheduler"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/spf13/cobra"
)

var (
	objName     string
	objSchedule string
	objStrategy string
	objPriority string
)

var objectiveCmd = &cobra.Command{
	Use:     "objective",
	Aliases: []string{"obj"},
	Short:   "Manage scheduled objectives",
	Long: `Manage objectives the coordinator submits on a schedule.

A schedule is a cron expression ("0 9 * * *"), a duration ("15m"), an
RFC 3339 timestamp for a single run, or schedule JSON.`,
}

var objectiveAddCmd = &cobra.Command{
	Use:   "add <objective>",
	Short: "Schedule an objective",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(func(sched *scheduler.Scheduler, _ *store.Store) error {
			obj, err := sched.Add(objName, objSchedule, strings.Join(args, " "), orchestrator.Strategy(objStrategy), objPriority)
			if err != nil {
				return err
			}
			fmt.Printf("Objective scheduled: %s (%s, next run %s)\n",
				obj.ID, schedule.FormatSchedule(obj.Schedule), obj.NextRunAt.Local().Format(time.DateTime))
			return nil
		})
	},
}

var objectiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled objectives",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(func(_ *scheduler.Scheduler, db *store.Store) error {
			objs, err := db.ListObjectives()
			if err != nil {
				return err
			}
			if len(objs) == 0 {
				fmt.Println("No scheduled objectives.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tSTATUS\tNEXT RUN\tLAST")
			for _, o := range objs {
				next := "-"
				if o.NextRunAt != nil {
					next = o.NextRunAt.Local().Format(time.DateTime)
				}
				last := o.LastStatus
				if last == "" {
					last = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", o.ID, o.Name, schedule.FormatSchedule(o.Schedule), o.Status, next, last)
			}
			return w.Flush()
		})
	},
}

var objectivePauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Pause a scheduled objective",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(func(sched *scheduler.Scheduler, _ *store.Store) error {
			return sched.Pause(args[0])
		})
	},
}

var objectiveResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused objective",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(func(sched *scheduler.Scheduler, _ *store.Store) error {
			return sched.Resume(args[0])
		})
	},
}

var objectiveRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a scheduled objective",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(func(sched *scheduler.Scheduler, _ *store.Store) error {
			return sched.Remove(args[0])
		})
	},
}

func init() {
	objectiveAddCmd.Flags().StringVar(&objName, "name", "", "objective name (defaults to the objective text)")
	objectiveAddCmd.Flags().StringVar(&objSchedule, "schedule", "", "cron expression, duration, timestamp or schedule JSON")
	objectiveAddCmd.Flags().StringVar(&objStrategy, "strategy", "adaptive", "execution strategy")
	objectiveAddCmd.Flags().StringVar(&objPriority, "priority", "normal", "objective priority")
	_ = objectiveAddCmd.MarkFlagRequired("schedule")

	objectiveCmd.AddCommand(objectiveAddCmd, objectiveListCmd, objectivePauseCmd, objectiveResumeCmd, objectiveRemoveCmd)
}

// withScheduler opens the store of the local config. The scheduler it
// passes can manage objectives but does not submit them; the running
// coordinator picks changes up on its next poll.
func withScheduler(fn func(*scheduler.Scheduler, *store.Store) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	return fn(scheduler.New(db, nil, nil, cfg.Scheduler), db)
}
