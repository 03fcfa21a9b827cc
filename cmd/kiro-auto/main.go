package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoZippy/kiro-automation-sub000/internal/app"
	"github.com/GoZippy/kiro-automation-sub000/internal/models"
	"github.com/GoZippy/kiro-automation-sub000/internal/orchestrator"
	"github.com/GoZippy/kiro-automation-sub000/internal/scheduler"
	"github.com/GoZippy/kiro-automation-sub000/internal/storage"
	"github.com/GoZippy/kiro-automation-sub000/internal/tasks"
)

// stopTimeout bounds how long an interrupted run waits for in-flight agents.
const stopTimeout = 30 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:          "kiro-auto",
		Short:        "Task automation for Kiro spec workspaces",
		Long:         "kiro-auto works through the tasks.md checklists of one or more workspaces, handing each ready task to an agent.",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newTasksCommand())
	rootCmd.AddCommand(newRetryCommand())
	rootCmd.AddCommand(newSkipCommand())
	rootCmd.AddCommand(newDeleteCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp builds the application context for one command and tears it down
// afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [workspace...]",
		Short: "Automate the tasks of one or more workspaces",
		Long:  "Runs every configured workspace when none are named. A workspace is a configured id or a directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
			continueOnFailure, _ := cmd.Flags().GetBool("continue-on-failure")
			watch, _ := cmd.Flags().GetBool("watch")
			priorityFlags, _ := cmd.Flags().GetStringArray("priority")

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				ids := args
				if len(ids) == 0 {
					for _, ws := range a.Config.Workspaces {
						ids = append(ids, ws.ID)
					}
				}
				if len(ids) == 0 {
					ids = []string{"."}
				}

				priorities, limits, err := allocations(a, ids, priorityFlags)
				if err != nil {
					return err
				}

				stopEvents := a.Bus.Handle(printEvent)
				defer stopEvents()

				// Engines outlive the interrupt so StopAll can wind them down.
				s := a.Scheduler(maxConcurrent, app.OpenOptions{Watch: watch, ContinueOnFailure: continueOnFailure})
				if err := s.StartConcurrent(context.Background(), ids, priorities, limits); err != nil {
					return err
				}
				if err := waitOrStop(ctx, s); err != nil {
					return err
				}

				st := s.Status()
				fmt.Print(renderOutcomes(st.Finished))
				for _, o := range st.Finished {
					if o.Status == models.SessionStatusFailed {
						return fmt.Errorf("workspace %s failed", o.WorkspaceID)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().Int("max-concurrent", 0, "Workspaces automated at once (default from config)")
	cmd.Flags().Bool("continue-on-failure", false, "Keep going after a task fails permanently")
	cmd.Flags().Bool("watch", true, "Reload task documents edited during the run")
	cmd.Flags().StringArray("priority", nil, "Workspace priority as id=N; higher runs first")
	return cmd
}

// waitOrStop waits for the scheduler to drain. An interrupt stops every
// running engine.
func waitOrStop(ctx context.Context, s *scheduler.Scheduler) error {
	err := s.Wait(ctx)
	if err == nil {
		return nil
	}
	fmt.Println("\nStopping...")
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.StopAll(stopCtx); err != nil {
		return fmt.Errorf("failed to stop cleanly: %w", err)
	}
	return nil
}

// allocations merges configured priorities and memory caps with --priority
// overrides.
func allocations(a *app.App, ids []string, flags []string) (map[string]int, map[string]scheduler.Limits, error) {
	priorities := make(map[string]int)
	limits := make(map[string]scheduler.Limits)
	for _, id := range ids {
		wc, err := a.Workspace(id)
		if err != nil {
			return nil, nil, err
		}
		priorities[id] = wc.Priority
		limits[id] = scheduler.Limits{
			MaxMemoryBudget:     uint64(wc.MaxMemory),
			MaxConcurrencyShare: wc.MaxConcurrencyShare,
		}
	}
	for _, f := range flags {
		id, value, ok := strings.Cut(f, "=")
		if !ok {
			return nil, nil, fmt.Errorf("invalid --priority %q, want id=N", f)
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid --priority %q: %w", f, err)
		}
		priorities[id] = n
	}
	return priorities, limits, nil
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <workspace>",
		Short: "Continue a workspace's last checkpointed session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				wc, err := a.Workspace(args[0])
				if err != nil {
					return err
				}
				w, err := a.OpenWorkspace(wc, app.OpenOptions{Resume: true, Watch: true})
				if err != nil {
					return err
				}
				defer w.Close()

				stopEvents := a.Bus.Handle(printEvent)
				defer stopEvents()

				if err := w.Start(context.Background()); err != nil {
					return fmt.Errorf("failed to resume: %w", err)
				}
				fmt.Printf("Resuming session %s\n", w.Session().ID)

				sess, err := w.Wait(ctx)
				if ctx.Err() != nil {
					fmt.Println("\nStopping...")
					stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
					defer cancel()
					if err := w.Stop(stopCtx); err != nil {
						return err
					}
					sess = w.Session()
					err = nil
				}
				fmt.Printf("Session %s finished with status: %s\n", sess.ID, sess.Status)
				return err
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <workspace>",
		Short: "Show a workspace's tasks and last session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				wc, err := a.Workspace(args[0])
				if err != nil {
					return err
				}
				w, err := a.OpenWorkspace(wc, app.OpenOptions{})
				if err != nil {
					return err
				}
				defer w.Close()

				st := w.Status()
				cp, err := a.Storage.LatestCheckpoint(wc.ID)
				if err != nil {
					return err
				}
				var history []models.ErrorRecord
				if cp != nil {
					st.Session = cp.Session
					st.CurrentTask = cp.CurrentTask
					if history, err = a.Storage.ErrorsForSession(cp.Session.ID); err != nil {
						return err
					}
				}
				fmt.Print(renderStatus(st, w.Store.Tasks(), history))
				return nil
			})
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sessions, err := a.Storage.ListSessions(20)
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					fmt.Println("No sessions found.")
					return nil
				}
				for _, s := range sessions {
					fmt.Printf("%s %-16s [%s] %d done, %d failed, %d skipped (%s)\n",
						s.ID, truncate(s.WorkspaceID, 16), s.Status,
						len(s.CompletedTasks), len(s.FailedTasks), len(s.SkippedTasks),
						storage.FormatTimeAgo(s.StartTime))
				}
				return nil
			})
		},
	}
}

func newTasksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <workspace>",
		Short: "List a workspace's tasks and dependency cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				wc, err := a.Workspace(args[0])
				if err != nil {
					return err
				}
				store, err := tasks.Open(wc.Path)
				if err != nil {
					return err
				}
				defer store.Close()

				if len(store.Documents()) == 0 {
					fmt.Println("No task documents found.")
					return nil
				}
				fmt.Print(renderTasks(store.Tasks(), store.Cycles()))
				return nil
			})
		},
	}
}

func newRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <workspace> <task>",
		Short: "Reset a failed task to pending",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return operateOnTask(cmd, args, "Re-admitted", (*orchestrator.Engine).RetryTask)
		},
	}
}

func newSkipCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "skip <workspace> <task>",
		Short: "Mark a task skipped so its dependents can run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return operateOnTask(cmd, args, "Skipped", (*orchestrator.Engine).SkipTask)
		},
	}
}

func operateOnTask(cmd *cobra.Command, args []string, verb string, op func(*orchestrator.Engine, models.Ref) error) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		wc, err := a.Workspace(args[0])
		if err != nil {
			return err
		}
		w, err := a.OpenWorkspace(wc, app.OpenOptions{})
		if err != nil {
			return err
		}
		defer w.Close()

		ref, err := resolveRef(w.Store, args[1])
		if err != nil {
			return err
		}
		if err := op(w.Engine, ref); err != nil {
			return err
		}
		fmt.Printf("%s task %s\n", verb, ref)
		return nil
	})
}

// resolveRef accepts "doc:id", or a bare id when the workspace has a single
// task document.
func resolveRef(store *tasks.Store, arg string) (models.Ref, error) {
	ref := models.ParseRef(arg)
	if ref.Doc != "" {
		return ref, nil
	}
	docs := store.Documents()
	if len(docs) != 1 {
		return models.Ref{}, fmt.Errorf("task %q is ambiguous, use <document>:<id>", arg)
	}
	ref.Doc = docs[0].Name
	return ref, nil
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its error history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Storage.DeleteSession(args[0]); err != nil {
					return fmt.Errorf("failed to delete session: %w", err)
				}
				fmt.Printf("Deleted session %s\n", args[0])
				return nil
			})
		},
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
