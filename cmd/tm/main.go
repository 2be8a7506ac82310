package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskmarket/internal/config"
	"taskmarket/internal/db"
	"taskmarket/internal/engine"
	"taskmarket/internal/events"
	"taskmarket/internal/migrate"
	"taskmarket/internal/payments"
	"taskmarket/internal/repo"
	"taskmarket/internal/server"
	"taskmarket/internal/sweep"
	"taskmarket/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "tm",
	Short: "Taskmarket CLI",
	Long: `Taskmarket runs a task-bid-escrow marketplace.
Core flow:
- Clients post tasks with a budget; the commission rate is snapshotted at posting time.
- Providers submit bids on open tasks (one pending bid per provider per task).
- The client accepts exactly one bid; the task becomes assigned, all other bids are auto-rejected.
- The client funds escrow: the budget is captured and held, split into commission and provider share.
- Work moves assigned -> in_progress -> completed; the client releases escrow, or it auto-releases after the grace window.
- Cancelled tasks refund held escrow. Disputes park a payment until resolved manually.
- Event log: diary of everything that happened, view with 'tm log tail'.`,
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
	viper.SetEnvPrefix("TM")
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
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(bidCmd())
	rootCmd.AddCommand(escrowCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are the work postings. They flow open -> assigned -> in_progress -> completed, with cancelled reachable from the first three. Assignment happens through bid acceptance, never directly.",
	}
	task.AddCommand(taskPostCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskStatusCmd())
	return task
}

func taskPostCmd() *cobra.Command {
	var category, title, description, budget, urgency, tier string
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(budget)
			if err != nil {
				return fmt.Errorf("invalid --budget %q", budget)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.CreateTask(ctx, engine.CreateTaskParams{
					ClientID:    viper.GetString("actor-id"),
					ClientTier:  tier,
					Category:    category,
					Title:       title,
					Description: description,
					Budget:      amount,
					Urgency:     urgency,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "task category")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&budget, "budget", "", "budget amount")
	cmd.Flags().StringVar(&urgency, "urgency", "normal", "urgency (low, normal, high, urgent)")
	cmd.Flags().StringVar(&tier, "tier", "", "client tier for commission lookup")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("budget")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks, err := e.Tasks.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Category", "Status", "Budget", "Bids", "Provider"})
				for _, t := range tasks {
					provider := ""
					if t.AssignedProviderID != nil {
						provider = *t.AssignedProviderID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Category, t.Status, t.Budget.String(), t.BidsCount, provider})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client filter")
	cmd.Flags().StringVar(&f.ProviderID, "provider", "", "assigned provider filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.Tasks.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "status <task-id> <new-status>",
		Short: "Transition a task (in_progress, completed, cancelled)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.TransitionTask(ctx, engine.TransitionTaskParams{
					TaskID:    args[0],
					ActorID:   viper.GetString("actor-id"),
					NewStatus: args[1],
					Reason:    reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason (required for cancellation)")
	return cmd
}

func bidCmd() *cobra.Command {
	bid := &cobra.Command{
		Use:   "bid",
		Short: "Manage bids",
		Long:  "Providers bid on open tasks; the client accepts exactly one. Accepting assigns the task and auto-rejects the rest atomically.",
	}
	bid.AddCommand(bidSubmitCmd())
	bid.AddCommand(bidListCmd())
	bid.AddCommand(bidRespondCmd())
	bid.AddCommand(bidWithdrawCmd())
	return bid
}

func bidSubmitCmd() *cobra.Command {
	var amount, message string
	cmd := &cobra.Command{
		Use:   "submit <task-id>",
		Short: "Submit a bid on an open task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount %q", amount)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.SubmitBid(ctx, engine.SubmitBidParams{
					TaskID:     args[0],
					ProviderID: viper.GetString("actor-id"),
					Amount:     value,
					Message:    message,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "bid amount")
	cmd.Flags().StringVar(&message, "message", "", "message to the client")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func bidListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List bids on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				bids, err := e.Bids.ListByTask(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bids)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Provider", "Amount", "Status", "Expires"})
				for _, b := range bids {
					tw.AppendRow(table.Row{b.ID, b.ProviderID, b.Amount.String(), b.Status, b.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func bidRespondCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "respond <bid-id> <accept|reject>",
		Short: "Accept or reject a bid",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := args[1]
			if action != "accept" && action != "reject" {
				return fmt.Errorf("action must be accept or reject")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.RespondToBid(ctx, engine.RespondToBidParams{
					BidID:   args[0],
					ActorID: viper.GetString("actor-id"),
					Accept:  action == "accept",
					Note:    note,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "response note")
	return cmd
}

func bidWithdrawCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "withdraw <bid-id>",
		Short: "Withdraw your pending bid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.WithdrawBid(ctx, engine.WithdrawBidParams{
					BidID:   args[0],
					ActorID: viper.GetString("actor-id"),
					Reason:  reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "withdrawal reason")
	return cmd
}

func escrowCmd() *cobra.Command {
	escrow := &cobra.Command{
		Use:   "escrow",
		Short: "Manage escrow payments",
		Long:  "Escrow holds the task budget after assignment: fund captures through the gateway, release pays the provider (completed tasks), refund returns funds (cancelled tasks), dispute parks the payment.",
	}
	escrow.AddCommand(escrowFundCmd())
	escrow.AddCommand(escrowShowCmd())
	escrow.AddCommand(escrowReleaseCmd())
	escrow.AddCommand(escrowRefundCmd())
	escrow.AddCommand(escrowDisputeCmd())
	return escrow
}

func escrowFundCmd() *cobra.Command {
	var provider, method string
	cmd := &cobra.Command{
		Use:   "fund <task-id>",
		Short: "Fund escrow for an assigned task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.FundEscrow(ctx, engine.FundEscrowParams{
					TaskID:     args[0],
					ActorID:    viper.GetString("actor-id"),
					ProviderID: provider,
					Method:     method,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "assigned provider id")
	cmd.Flags().StringVar(&method, "method", "card", "payment method")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func escrowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show the task's payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Payments.GetByTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func escrowReleaseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "release <payment-id>",
		Short: "Release a held payment to the provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.ReleaseEscrow(ctx, engine.SettleParams{
					PaymentID: args[0],
					ActorID:   viper.GetString("actor-id"),
					Reason:    reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "release reason")
	return cmd
}

func escrowRefundCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "refund <payment-id>",
		Short: "Refund a held payment to the client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.RefundEscrow(ctx, engine.SettleParams{
					PaymentID: args[0],
					ActorID:   viper.GetString("actor-id"),
					Reason:    reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "refund reason")
	return cmd
}

func escrowDisputeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dispute <payment-id>",
		Short: "Dispute a held payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.DisputeEscrow(ctx, engine.DisputeParams{
					PaymentID: args[0],
					ActorID:   viper.GetString("actor-id"),
					Reason:    reason,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "dispute reason")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show marketplace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				tasks, ok := e.Tasks.(repo.Tasks)
				if !ok {
					return fmt.Errorf("status requires the SQL store")
				}
				counts, err := tasks.CountByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task_counts": counts})
				}
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func sweepCmd() *cobra.Command {
	sw := &cobra.Command{Use: "sweep", Short: "Housekeeping sweeps"}
	sw.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run task expiry and escrow auto-release once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				expired, err := e.ExpireTasks(ctx)
				if err != nil {
					return err
				}
				released, err := e.AutoRelease(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{
					"tasks_expired":     expired,
					"payments_released": released,
				})
			})
		},
	})
	return sw
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, taskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConn(cmd.Context(), func(ctx context.Context, conn repo.Events) error {
				items, err := conn.List(ctx, repo.EventFilter{TaskID: taskID, Type: evtType, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Task", "Actor", "Payload"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.TaskID, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, metricsAddr string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with the background sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}

			e := engine.New(conn, cfg, payments.Sandbox{}, log)
			if len(cfg.Events.Kafka.Brokers) > 0 {
				kafkaSink := events.NewKafkaSink(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic, log)
				defer kafkaSink.Close()
				e.Events = events.Fanout{events.NewWriter(conn), kafkaSink}
			}

			authCfg := server.AuthConfig{
				JWTSecret:        os.Getenv("TM_JWT_SECRET"),
				AllowActorHeader: allowActorHeader,
				Logger:           log,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("TM_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for development)")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Events:   repo.Events{DB: conn},
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}

			sweeper := sweep.New(e, cfg.Sweep.Schedule, log)
			if err := sweeper.Start(); err != nil {
				return err
			}
			defer sweeper.Stop()

			if metricsAddr != "" {
				go func() {
					if err := telemetry.Serve(metricsAddr, log); err != nil {
						log.Error("metrics server stopped", "error", err)
					}
				}()
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Taskmarket API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (disabled when empty)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token (development only)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default taskmarket.yml",
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
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	})
	return cfg
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	e := engine.New(conn, cfg, payments.Sandbox{}, log)
	return fn(ctx, e)
}

func withConn(ctx context.Context, fn func(context.Context, repo.Events) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Events{DB: conn})
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
