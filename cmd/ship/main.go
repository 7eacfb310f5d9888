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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shipline/internal/app"
	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/domain"
	"shipline/internal/engine"
	"shipline/internal/server"
	"shipline/internal/services"
)

var rootCmd = &cobra.Command{
	Use:   "ship",
	Short: "Shipline CLI",
	Long: `Shipline drives initiatives through an automated delivery pipeline:
plan -> decompose -> develop -> qa review -> human checkpoint -> merge.
A durable job queue carries every stage, so the pipeline survives
restarts and flaky dependencies; humans step in only at review
checkpoints. State lives in the .shipline workspace database.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("SHIPLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(initiativeCmd())
	rootCmd.AddCommand(featureCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	var repoName string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default shipline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(repoName) == "" {
				return errors.New("--repo is required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(repoName)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&repoName, "repo", "", "target repository (owner/name)")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func initiativeCmd() *cobra.Command {
	ini := &cobra.Command{Use: "initiative", Short: "Manage initiatives"}
	ini.AddCommand(initiativeCreateCmd())
	ini.AddCommand(initiativeListCmd())
	ini.AddCommand(initiativeShowCmd())
	ini.AddCommand(initiativeStatusCmd())
	ini.AddCommand(initiativeContextCmd())
	ini.AddCommand(initiativeApprovePlanCmd())
	ini.AddCommand(initiativeCancelCmd())
	return ini
}

func initiativeCreateCmd() *cobra.Command {
	var title, content, contentFile, docID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an initiative and enqueue planning",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				if contentFile != "" {
					data, err := os.ReadFile(contentFile)
					if err != nil {
						return err
					}
					content = string(data)
				}
				in, err := a.Engine.CreateInitiative(ctx, engine.InitiativeCreateOptions{
					Title:            title,
					Content:          content,
					SourceDocumentID: docID,
					ActorID:          viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				job, _, err := a.Queue.Enqueue(ctx, domain.JobPlanInitiative, in.ID, nil, nil)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"initiative": in, "job_id": job.ID})
				}
				fmt.Printf("initiative %s created, planning job %s enqueued\n", in.ID, job.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "initiative title")
	cmd.Flags().StringVar(&content, "content", "", "initiative brief")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "read the brief from a file")
	cmd.Flags().StringVar(&docID, "doc", "", "source document id to import")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func initiativeListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List initiatives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListInitiatives(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Updated"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.Title, in.Status, in.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func initiativeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <initiative-id>",
		Short: "Show one initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				in, err := a.Repo.GetInitiative(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
}

func initiativeStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <initiative-id>",
		Short: "Show pipeline status for an initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				in, err := a.Repo.GetInitiative(ctx, args[0])
				if err != nil {
					return err
				}
				jobCounts, err := a.Repo.CountJobsByStatus(ctx, in.ID)
				if err != nil {
					return err
				}
				plan, planErr := a.Repo.ActivePlan(ctx, in.ID)
				out := map[string]any{
					"initiative": in,
					"job_counts": jobCounts,
				}
				var features []domain.Feature
				if planErr == nil {
					out["plan"] = plan
					features, err = a.Repo.ListFeatures(ctx, plan.ID)
					if err != nil {
						return err
					}
					out["features"] = features
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Initiative: %s (%s)\n", in.Title, in.Status)
				if in.ErrorMessage != nil {
					fmt.Printf("Error: %s\n", *in.ErrorMessage)
				}
				if planErr == nil {
					fmt.Printf("Plan v%d: %s\n", plan.Version, plan.Summary)
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Seq", "Feature", "Status", "PR"})
					for _, f := range features {
						pr := ""
						if f.PRURL != nil {
							pr = *f.PRURL
						}
						tw.AppendRow(table.Row{f.Sequence, f.Title, f.Status, pr})
					}
					tw.Render()
				}
				fmt.Println("Jobs:")
				for status, n := range jobCounts {
					fmt.Printf("  %s: %d\n", status, n)
				}
				return nil
			})
		},
	}
}

func initiativeContextCmd() *cobra.Command {
	var content string
	cmd := &cobra.Command{
		Use:   "context <initiative-id>",
		Short: "Answer the planner's open questions and replan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				in, err := a.Engine.SubmitContext(ctx, args[0], content, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				job, _, err := a.Queue.Enqueue(ctx, domain.JobPlanInitiative, in.ID, nil, nil)
				if err != nil {
					return err
				}
				fmt.Printf("context recorded, planning job %s enqueued\n", job.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "additional context")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func initiativeApprovePlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve-plan <initiative-id>",
		Short: "Approve a plan held for review and start delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.ApprovePlan(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				if _, err := a.Engine.StartDelivery(ctx, args[0]); err != nil {
					return err
				}
				next, err := a.Engine.NextPendingFeature(ctx, args[0])
				if err != nil {
					return err
				}
				job, _, err := a.Queue.Enqueue(ctx, domain.JobDecomposeFeature, args[0], &next.ID, nil)
				if err != nil {
					return err
				}
				fmt.Printf("delivery started, decompose job %s enqueued for %q\n", job.ID, next.Title)
				return nil
			})
		},
	}
}

func initiativeCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <initiative-id>",
		Short: "Cancel an initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				in, err := a.Engine.CancelInitiative(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("initiative %s cancelled\n", in.ID)
				return nil
			})
		},
	}
}

func featureCmd() *cobra.Command {
	feat := &cobra.Command{Use: "feature", Short: "Manage features"}

	var initiativeID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List features of an initiative's active plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				plan, err := a.Repo.ActivePlan(ctx, initiativeID)
				if err != nil {
					return err
				}
				features, err := a.Repo.ListFeatures(ctx, plan.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(features)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "ID", "Title", "Status", "Retries"})
				for _, f := range features {
					tw.AppendRow(table.Row{f.Sequence, f.ID, f.Title, f.Status, f.RetryCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&initiativeID, "initiative", "", "initiative id")
	_ = list.MarkFlagRequired("initiative")
	feat.AddCommand(list)

	feat.AddCommand(&cobra.Command{
		Use:   "approve <feature-id>",
		Short: "Approve a feature awaiting human review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				f, err := a.Engine.ApproveFeature(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				job, _, err := a.Queue.Enqueue(ctx, domain.JobMergeFeature, f.InitiativeID, &f.ID, nil)
				if err != nil {
					return err
				}
				fmt.Printf("feature approved, merge job %s enqueued\n", job.ID)
				return nil
			})
		},
	})

	var feedback string
	reject := &cobra.Command{
		Use:   "reject <feature-id>",
		Short: "Reject a feature with feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				maxRetries := a.Config.Pipeline.MaxRejectionRetries
				f, retry, err := a.Engine.RejectFeature(ctx, args[0], feedback, viper.GetString("actor-id"), maxRetries)
				if err != nil {
					return err
				}
				if !retry {
					reason := "feature rejected past its retry budget: " + feedback
					if _, err := a.Engine.MarkInitiativeFailed(ctx, f.InitiativeID, reason); err != nil {
						return err
					}
					fmt.Println("retry budget exhausted; initiative failed")
					return nil
				}
				if _, err := a.Engine.BeginRework(ctx, f.ID); err != nil {
					return err
				}
				job, _, err := a.Queue.Enqueue(ctx, domain.JobDevelopFeature, f.InitiativeID, &f.ID, map[string]string{
					"mode": "reprocess", "feedback": feedback,
				})
				if err != nil {
					return err
				}
				fmt.Printf("feature rejected, rework job %s enqueued (round %d)\n", job.ID, f.RetryCount)
				return nil
			})
		},
	}
	reject.Flags().StringVar(&feedback, "feedback", "", "rejection feedback")
	_ = reject.MarkFlagRequired("feedback")
	feat.AddCommand(reject)

	feat.AddCommand(&cobra.Command{
		Use:   "retry <feature-id>",
		Short: "Restart a failed feature from decomposition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				f, err := a.Repo.GetFeature(ctx, args[0])
				if err != nil {
					return err
				}
				if f.Status != domain.FeatureFailed {
					return fmt.Errorf("feature is %s, only failed features can be retried", f.Status)
				}
				job, _, err := a.Queue.Enqueue(ctx, domain.JobDecomposeFeature, f.InitiativeID, &f.ID, nil)
				if err != nil {
					return err
				}
				fmt.Printf("decompose job %s enqueued\n", job.ID)
				return nil
			})
		},
	})

	return feat
}

func taskCmd() *cobra.Command {
	tasks := &cobra.Command{Use: "task", Short: "Inspect and override tasks"}

	var featureID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a feature's tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListTasks(ctx, featureID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "ID", "Title", "Type", "Status"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.Sequence, t.ID, t.Title, t.TaskType, t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&featureID, "feature", "", "feature id")
	_ = list.MarkFlagRequired("feature")
	tasks.AddCommand(list)

	tasks.AddCommand(&cobra.Command{
		Use:   "set-status <task-id> <to_do|doing|review|done|failed>",
		Short: "Manually override a task's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := domain.TaskStatus(args[1])
			if !status.Valid() {
				return fmt.Errorf("unknown task status %q", args[1])
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.SetTaskStatus(ctx, args[0], status, nil)
				if err != nil {
					return err
				}
				fmt.Printf("task %s is now %s\n", t.ID, t.Status)
				return nil
			})
		},
	})

	return tasks
}

func jobCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "job", Short: "Inspect the job queue"}
	var initiativeID, status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListJobs(ctx, initiativeID, domain.JobStatus(status), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Attempt", "Run At", "Last Error"})
				for _, j := range items {
					lastErr := ""
					if j.LastError != nil {
						lastErr = *j.LastError
					}
					tw.AppendRow(table.Row{j.ID, j.Type, j.Status, fmt.Sprintf("%d/%d", j.Attempt, j.MaxAttempts), j.RunAt, lastErr})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&initiativeID, "initiative", "", "filter by initiative")
	list.Flags().StringVar(&status, "status", "", "filter by status (pending|leased|done|failed)")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	jobs.AddCommand(list)
	return jobs
}

func logCmd() *cobra.Command {
	logs := &cobra.Command{Use: "log", Short: "Event journal"}
	var initiativeID string
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, limit, initiativeID, "", "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				for i := len(events) - 1; i >= 0; i-- {
					evt := events[i]
					fmt.Printf("%s %-28s %s/%s %s\n", evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.Payload)
				}
				return nil
			})
		},
	}
	tail.Flags().StringVar(&initiativeID, "initiative", "", "filter by initiative")
	tail.Flags().IntVar(&limit, "limit", 50, "max rows")
	logs.AddCommand(tail)
	return logs
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the key once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				plaintext, key, err := server.MintAPIKey(ctx, a.Repo, actorID, name)
				if err != nil {
					return err
				}
				fmt.Printf("id: %s\nkey: %s\n", key.ID, plaintext)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	_ = create.MarkFlagRequired("actor")
	keys.AddCommand(create)
	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})
	keys.AddCommand(&cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return keys
}

func workerCmd() *cobra.Command {
	var once int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool",
		Long: `Runs the worker goroutines that lease jobs and drive the pipeline.
Collaborator calls (model completion, source control, document import)
go through the configured agent bridge_command subprocess.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				bridge, err := services.NewBridge(a.Config.Agent.BridgeCommand)
				if err != nil {
					return fmt.Errorf("agent.bridge_command: %w", err)
				}
				logger := app.Logger("worker ")
				handlers := a.Handlers(app.Collaborators{
					Completer: bridge,
					Source:    bridge,
					Importer:  bridge,
				}, logger)
				pool := a.Pool(handlers, logger)
				if once > 0 {
					n, err := pool.RunOnce(ctx, once)
					if err != nil {
						return err
					}
					fmt.Printf("ran %d job(s)\n", n)
					return nil
				}
				logger.Printf("worker pool starting (%d workers)", a.Config.Workers)
				pool.Run(ctx)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&once, "once", 0, "run at most N due jobs and exit")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the trigger API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret:       os.Getenv("SHIPLINE_JWT_SECRET"),
					DevLoginEnabled: devLogin,
				}
				if authCfg.JWTSecret == "" {
					return errors.New("SHIPLINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Queue:    a.Queue,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, a.Engine, app.Logger("webhook "))
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Shipline API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	return cmd
}

func withApp(ctx context.Context, requireConfig bool, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"), requireConfig)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
