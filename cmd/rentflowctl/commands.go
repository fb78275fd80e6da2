package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"rentflow/internal/database"
	"rentflow/internal/services"
	"rentflow/pkg/config"
	"rentflow/pkg/logger"
	"rentflow/pkg/paynet"

	"github.com/spf13/cobra"
)

// sweepSteps 可单独执行的巡检步骤
var sweepSteps = []string{"generate-monthly", "mark-overdue", "reminders", "expire", "activations", "resume-payments", "all"}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := setup(); err != nil {
				return err
			}
			defer database.Close()

			if err := database.Migrate(); err != nil {
				return fmt.Errorf("failed to migrate database: %v", err)
			}
			fmt.Println("Database migrated successfully")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var noLock bool

	cmd := &cobra.Command{
		Use:       "sweep [step]",
		Short:     "Run the obligation sweep once (for an external timer)",
		Long:      "Steps: generate-monthly, mark-overdue, reminders, expire, activations, resume-payments, all (default).",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: sweepSteps,
		RunE: func(cmd *cobra.Command, args []string) error {
			step := "all"
			if len(args) == 1 {
				step = args[0]
			}

			cfg, err := setup()
			if err != nil {
				return err
			}
			defer database.Close()
			defer database.CloseRedisQueue()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			redisQueue := database.GetRedisQueue()
			container := services.NewContainer(database.GetDB(), redisQueue, newNetwork(cfg), cfg)
			sweeper := container.Sweeper

			var result interface{}
			switch step {
			case "all":
				var locker services.Locker = redisQueue
				if noLock {
					locker = nil
				}
				scheduler := services.NewSweepScheduler(sweeper, locker, cfg.Sweep.Cron, cfg.Sweep.LockTTL)
				report, err := scheduler.RunOnce(ctx)
				if err != nil {
					return err
				}
				if report == nil {
					fmt.Println("Another instance holds the sweep lock, skipped")
					return nil
				}
				result = report
			case "generate-monthly":
				result, err = sweeper.GenerateMonthlyObligations(ctx)
			case "mark-overdue":
				result, err = countResult("updated")(sweeper.MarkOverdue(ctx))
			case "reminders":
				result, err = countResult("sent")(sweeper.SendReminders(ctx))
			case "expire":
				result, err = countResult("expired")(sweeper.ExpireEndedLeases(ctx))
			case "activations":
				result, err = countResult("activated")(sweeper.RetryActivations(ctx))
			case "resume-payments":
				result, err = countResult("resolved")(container.Executor.ResumeProcessing(ctx))
			default:
				return fmt.Errorf("unknown step %q, expected one of %v", step, sweepSteps)
			}
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().BoolVar(&noLock, "no-lock", false, "skip the Redis sweep lock")
	return cmd
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll <obligationID>",
		Short: "Poll the payment network for one obligation's settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || id == 0 {
				return fmt.Errorf("invalid obligation id %q", args[0])
			}

			cfg, err := setup()
			if err != nil {
				return err
			}
			defer database.Close()
			defer database.CloseRedisQueue()

			container := services.NewContainer(database.GetDB(), database.GetRedisQueue(), newNetwork(cfg), cfg)
			result, err := container.Executor.PollForSettlement(cmd.Context(), uint(id))
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func setup() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}
	if err := logger.Initialize(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %v", err)
	}
	if err := database.Initialize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newNetwork(cfg *config.Config) paynet.Network {
	return paynet.NewHTTPClient(paynet.Config{
		Endpoint:  cfg.Payment.Endpoint,
		APIKey:    cfg.Payment.APIKey,
		Timeout:   cfg.Payment.Timeout,
		RateLimit: cfg.Payment.RateLimit,
	})
}

func countResult(key string) func(int, error) (interface{}, error) {
	return func(n int, err error) (interface{}, error) {
		return map[string]int{key: n}, err
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
