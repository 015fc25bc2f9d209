package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"goalline/internal/app"
	"goalline/internal/config"
	"goalline/internal/dateutil"
	"goalline/internal/db"
	"goalline/internal/domain"
	"goalline/internal/engine"
	"goalline/internal/migrate"
	"goalline/internal/recur"
	"goalline/internal/repo"
	"goalline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Goalline CLI",
	Long: `Goalline turns yearly goal letters into daily checklists.
Core concepts:
- Workspace: your .goalline directory holding the database; goalline.yml tunes the horizon and area catalog.
- Goal letter: one person's yearly plan with a goal per life area (health, career, finance, relationships, learning, leisure); reviewed before it counts.
- Letter lifecycle: draft -> under_review -> approved; reviewers can request changes, which retracts pending tasks.
- Actions: recurring commitments under a goal (daily, weekly, biweekly, monthly, or once).
- Occurrences: the dated task instances materialized from actions over a rolling horizon; postpone them, complete them, attach evidence.
- Evidence: some actions require proof; evidence flows none -> pending -> approved/rejected before the task can complete.
- Event log: diary of changes, view with 'gl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GOALLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("person", "", "person id")
	rootCmd.PersistentFlags().String("letter", "", "letter id (overrides person resolution)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("person", rootCmd.PersistentFlags().Lookup("person"))
	_ = viper.BindPFlag("letter", rootCmd.PersistentFlags().Lookup("letter"))
}

func registerCommands() {
	rootCmd.AddCommand(letterCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(materializeCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func letterCmd() *cobra.Command {
	letter := &cobra.Command{
		Use:   "letter",
		Short: "Manage goal letters",
		Long:  "A goal letter is the yearly plan: one goal per life area plus the recurring actions backing them. It must pass review before tasks appear.",
	}
	letter.AddCommand(letterCreateCmd())
	letter.AddCommand(letterListCmd())
	letter.AddCommand(letterShowCmd())
	letter.AddCommand(letterSubmitCmd())
	letter.AddCommand(letterApproveCmd())
	letter.AddCommand(letterRequestChangesCmd())
	letter.AddCommand(letterReopenCmd())
	return letter
}

func letterCreateCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft letter",
		RunE: func(cmd *cobra.Command, args []string) error {
			person := viper.GetString("person")
			if person == "" {
				return fmt.Errorf("--person required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.CreateLetter(ctx, id, person, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "letter id (optional, deterministic UUID if omitted)")
	return cmd
}

func letterListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListLetters(ctx, viper.GetString("person"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Person", "Status", "Approved At"})
				for _, l := range items {
					approved := ""
					if l.ApprovedAt != nil {
						approved = *l.ApprovedAt
					}
					tw.AppendRow(table.Row{l.ID, l.PersonID, l.Status, approved})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func letterShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a letter with its goals and actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLetter(cmd.Context(), func(ctx context.Context, e engine.Engine, l domain.GoalLetter) error {
				goals, err := e.Repo.ListGoals(ctx, l.ID)
				if err != nil {
					return err
				}
				actions, err := e.Repo.ListActionsByLetter(ctx, l.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"letter":  l,
					"goals":   goals,
					"actions": actions,
				})
			})
		},
	}
	return cmd
}

func letterSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit letter for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLetter(cmd.Context(), func(ctx context.Context, e engine.Engine, l domain.GoalLetter) error {
				res, err := e.SubmitLetter(ctx, l.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func letterApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve letter and materialize tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLetter(cmd.Context(), func(ctx context.Context, e engine.Engine, l domain.GoalLetter) error {
				res, mat, err := e.ApproveLetter(ctx, l.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"letter":          res,
					"materialization": mat,
				})
			})
		},
	}
	return cmd
}

func letterRequestChangesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request-changes",
		Short: "Send letter back for edits, retracting pending tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLetter(cmd.Context(), func(ctx context.Context, e engine.Engine, l domain.GoalLetter) error {
				res, removed, err := e.RequestChanges(ctx, l.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"letter": res, "removed": removed})
			})
		},
	}
	return cmd
}

func letterReopenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reopen",
		Short: "Pull approved letter back to draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLetter(cmd.Context(), func(ctx context.Context, e engine.Engine, l domain.GoalLetter) error {
				res, removed, err := e.ReopenLetter(ctx, l.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"letter": res, "removed": removed})
			})
		},
	}
	return cmd
}

func goalCmd() *cobra.Command {
	goal := &cobra.Command{
		Use:   "goal",
		Short: "Manage area goals",
		Long:  "Each letter carries one goal per life area. Setting a goal for an area replaces the previous one.",
	}
	goal.AddCommand(goalSetCmd())
	goal.AddCommand(goalListCmd())
	return goal
}

func goalSetCmd() *cobra.Command {
	var area, target string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or replace an area goal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLetter(cmd.Context(), func(ctx context.Context, e engine.Engine, l domain.GoalLetter) error {
				g, err := e.SetAreaGoal(ctx, l.ID, area, target, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&area, "area", "", "life area")
	cmd.Flags().StringVar(&target, "target", "", "goal text")
	_ = cmd.MarkFlagRequired("area")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func goalListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a letter's goals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLetter(cmd.Context(), func(ctx context.Context, e engine.Engine, l domain.GoalLetter) error {
				items, err := e.Repo.ListGoals(ctx, l.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Area", "Target", "ID"})
				for _, g := range items {
					tw.AppendRow(table.Row{g.Area, g.Target, g.ID})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func actionCmd() *cobra.Command {
	action := &cobra.Command{
		Use:   "action",
		Short: "Manage recurring actions",
		Long:  "Actions are the recurring commitments under a goal. Frequencies: daily, weekly/biweekly (with --weekday), monthly (with --day-of-month), once (with --date).",
	}
	action.AddCommand(actionCreateCmd())
	action.AddCommand(actionListCmd())
	action.AddCommand(actionUpdateCmd())
	action.AddCommand(actionRevokeCmd())
	return action
}

func actionCreateCmd() *cobra.Command {
	var opts engine.ActionCreateOptions
	var area string
	var weekdays []int
	var dayOfMonth int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Declare a recurring action",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			opts.Weekdays = weekdays
			if cmd.Flags().Changed("day-of-month") {
				opts.Weekdays = []int{dayOfMonth}
			}
			return withLetter(cmd.Context(), func(ctx context.Context, e engine.Engine, l domain.GoalLetter) error {
				if opts.GoalID == "" {
					if area == "" {
						return fmt.Errorf("--goal or --area required")
					}
					g, err := e.Repo.GetGoalByArea(ctx, l.ID, area)
					if err != nil {
						return err
					}
					opts.GoalID = g.ID
				}
				a, err := e.CreateAction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "action id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.GoalID, "goal", "", "goal id")
	cmd.Flags().StringVar(&area, "area", "", "life area (resolves the goal on the active letter)")
	cmd.Flags().StringVar(&opts.Text, "text", "", "action text")
	cmd.Flags().StringVar(&opts.Frequency, "frequency", "weekly", "daily, weekly, biweekly, monthly or once")
	cmd.Flags().IntSliceVar(&weekdays, "weekday", []int{}, "weekday 0-6, Sunday is 0 (repeatable)")
	cmd.Flags().IntVar(&dayOfMonth, "day-of-month", 0, "day of month 1-31 for monthly actions")
	cmd.Flags().StringVar(&opts.OnceDate, "date", "", "date for one-time actions (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&opts.RequiresEvidence, "requires-evidence", false, "occurrences need approved evidence to complete")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func actionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a letter's actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLetter(cmd.Context(), func(ctx context.Context, e engine.Engine, l domain.GoalLetter) error {
				items, err := e.Repo.ListActionsByLetter(ctx, l.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Text", "Frequency", "Weekdays", "Date", "Evidence"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Text, a.Frequency, fmt.Sprint(a.Weekdays), a.OnceDate, a.RequiresEvidence})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func actionUpdateCmd() *cobra.Command {
	var text, frequency, onceDate string
	var weekdays []int
	var dayOfMonth int
	var requiresEvidence bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit an action's rule (takes effect on next materialization)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ActionUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("text") {
				opts.Text = &text
			}
			if cmd.Flags().Changed("frequency") {
				opts.Frequency = &frequency
			}
			if cmd.Flags().Changed("weekday") {
				opts.Weekdays = &weekdays
			}
			if cmd.Flags().Changed("day-of-month") {
				dom := []int{dayOfMonth}
				opts.Weekdays = &dom
			}
			if cmd.Flags().Changed("date") {
				opts.OnceDate = &onceDate
			}
			if cmd.Flags().Changed("requires-evidence") {
				opts.RequiresEvidence = &requiresEvidence
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateAction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "action text")
	cmd.Flags().StringVar(&frequency, "frequency", "", "daily, weekly, biweekly, monthly or once")
	cmd.Flags().IntSliceVar(&weekdays, "weekday", []int{}, "weekday 0-6, Sunday is 0 (repeatable)")
	cmd.Flags().IntVar(&dayOfMonth, "day-of-month", 0, "day of month 1-31 for monthly actions")
	cmd.Flags().StringVar(&onceDate, "date", "", "date for one-time actions")
	cmd.Flags().BoolVar(&requiresEvidence, "requires-evidence", false, "occurrences need approved evidence")
	return cmd
}

func actionRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an action; completed tasks stay as history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				removed, err := e.RevokeAction(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"removed": removed})
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Work the daily checklist",
		Long:  "Tasks are materialized occurrences of recurring actions. List them by date range, postpone them, complete them, or move evidence through submit/approve/reject.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskPostponeCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskEvidenceCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks for a person",
		RunE: func(cmd *cobra.Command, args []string) error {
			person := viper.GetString("person")
			if person == "" {
				return fmt.Errorf("--person required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListOccurrences(ctx, person, from, to)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Due", "Done", "Evidence", "Postponed", "Action"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.DueDate, o.Completed, o.EvidenceStatus, o.PostponementCount, o.ActionID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "end date (YYYY-MM-DD)")
	return cmd
}

func taskPostponeCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "postpone <id>",
		Short: "Move a task's due date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return fmt.Errorf("--to required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.Postpone(ctx, args[0], to, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "new due date (YYYY-MM-DD)")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a task done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.CompleteOccurrence(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func taskEvidenceCmd() *cobra.Command {
	var event string
	cmd := &cobra.Command{
		Use:   "evidence <id>",
		Short: "Apply an evidence event (submit, approve, reject)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.RecordEvidenceEvent(ctx, args[0], event, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "submit, approve or reject")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func materializeCmd() *cobra.Command {
	var windowStart, windowEnd string
	cmd := &cobra.Command{
		Use:   "materialize",
		Short: "Reconcile a letter's tasks over a window",
		Long:  "Re-runs materialization for the active letter. Without flags the configured horizon is used; --window-start/--window-end run an explicit backfill window.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLetter(cmd.Context(), func(ctx context.Context, e engine.Engine, l domain.GoalLetter) error {
				var w recur.Window
				if windowStart != "" || windowEnd != "" {
					start, err := dateutil.Parse(windowStart)
					if err != nil {
						return err
					}
					end, err := dateutil.Parse(windowEnd)
					if err != nil {
						return err
					}
					w = recur.Window{Start: start, End: end}
				}
				res, err := e.Materialize(ctx, l.ID, w, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&windowStart, "window-start", "", "window start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&windowEnd, "window-end", "", "window end (YYYY-MM-DD)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook: materialization horizon, postponement limit and the life-area catalog. Stored in goalline.yml next to the workspace.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default goalline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: letter transitions, materialization runs, postponements, evidence decisions.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			letterID := viper.GetString("letter")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, letterID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key := uuid.NewString()
				record := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   viper.GetString("actor-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, record); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": record.ID, "key": key})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("GOALLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("GOALLINE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Goalline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id (local use only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.ResolveConfig(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withLetter(ctx context.Context, fn func(context.Context, engine.Engine, domain.GoalLetter) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		l, err := app.ResolveLetter(ctx, e.Repo, viper.GetString("letter"), viper.GetString("person"))
		if err != nil {
			return err
		}
		return fn(ctx, e, l)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
