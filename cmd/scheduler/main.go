package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/scheduler-core/pkg/log"
	"github.com/cuemby/scheduler-core/pkg/sched/config"
	"github.com/cuemby/scheduler-core/pkg/sched/events"
	"github.com/cuemby/scheduler-core/pkg/sched/metrics"
	"github.com/cuemby/scheduler-core/pkg/sched/scheduler"
	"github.com/cuemby/scheduler-core/pkg/sched/state"
	"github.com/cuemby/scheduler-core/pkg/sched/task"
	"github.com/cuemby/scheduler-core/pkg/sched/transport"
	"github.com/cuemby/scheduler-core/pkg/sched/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Distributed SQL query execution scheduler",
	Long: `scheduler assigns executor slots to the stages and partitions of
submitted query jobs, tracking attempt history and unlocking downstream
stages as their inputs complete.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"scheduler version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitJobCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler process",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
		}

		backend, err := openBackend(cfg)
		if err != nil {
			return fmt.Errorf("open state backend: %w", err)
		}

		broker := events.NewBroker()
		broker.Start()

		gateway := &noopExecutorGateway{}
		sched := scheduler.New(backend, broker, gateway)
		sched.Tasks.WithMaxAttempts(cfg.TaskMaxAttempts)
		sched.Executors.WithHeartbeatTimeout(cfg.HeartbeatTimeout)

		gw := scheduler.NewGateway(sched)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		reconcileTicker := time.NewTicker(cfg.HeartbeatTimeout / 2)
		defer reconcileTicker.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-reconcileTicker.C:
					if _, err := sched.ReconcileExecutors(ctx, now); err != nil {
						log.Errorf("reconcile executors failed", err)
					}
					if rb, ok := backend.(*state.RaftBackend); ok {
						rb.IsLeader()
					}
				}
			}
		}()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		registerAPIRoutes(mux, gw)
		httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		fmt.Printf("Scheduler %s started\n", cfg.NodeID)
		fmt.Printf("  Backend:   %s\n", cfg.Backend)
		fmt.Printf("  Data dir:  %s\n", cfg.DataDir)
		fmt.Printf("  Metrics:   http://%s/metrics\n", cfg.MetricsAddr)
		fmt.Printf("  API:       http://%s/api/v1\n", cfg.MetricsAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nHTTP server error: %v\n", err)
		}

		cancel()
		broker.Stop()
		_ = httpServer.Close()
		if err := backend.Close(); err != nil {
			return fmt.Errorf("close state backend: %w", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to a YAML bootstrap config file")
}

func openBackend(cfg *config.Config) (state.Backend, error) {
	switch cfg.Backend {
	case config.BackendRaft:
		return state.NewRaftBackend(state.RaftConfig{
			NodeID:    cfg.NodeID,
			BindAddr:  cfg.RaftBindAddr,
			DataDir:   cfg.DataDir,
			Bootstrap: cfg.RaftBootstrap,
		})
	case config.BackendBoltDB, "":
		return state.NewBoltBackend(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend)
	}
}

// noopExecutorGateway is a placeholder ExecutorGateway for standalone
// runs with no RPC transport wired up yet; a real deployment supplies
// a gRPC (or other) client implementing transport.ExecutorGateway in
// its place.
type noopExecutorGateway struct{}

func (noopExecutorGateway) LaunchTask(_ context.Context, _ *types.Executor, _ transport.LaunchTaskRequest) error {
	return nil
}

func (noopExecutorGateway) CancelTask(_ context.Context, _ *types.Executor, _ transport.CancelTaskRequest) error {
	return nil
}

// submitJobCmd is a local testing helper that submits a synthetic
// single-stage job against a throwaway BoltDB-backed scheduler state,
// useful for exercising job submission without a transport. It creates
// a session and submits the job only; it does not offer reservations or
// poll.
var submitJobCmd = &cobra.Command{
	Use:   "submit-job",
	Short: "Submit a synthetic job for local testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		partitions, _ := cmd.Flags().GetInt("partitions")

		backend, err := state.NewBoltBackend(dataDir)
		if err != nil {
			return fmt.Errorf("open state backend: %w", err)
		}
		defer backend.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		sched := scheduler.New(backend, broker, noopExecutorGateway{})

		ctx := context.Background()
		sess, err := sched.Sessions.CreateSession(ctx, nil)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}

		jobID, needed, err := sched.SubmitJob(ctx, task.JobSpec{
			SessionID: sess.ID,
			Stages:    []task.StageSpec{{ID: 1, NumPartitions: partitions}},
		})
		if err != nil {
			return fmt.Errorf("submit job: %w", err)
		}

		fmt.Printf("Submitted job %s (session %s), %d reservations needed\n", jobID, sess.ID, needed)
		return nil
	},
}

func init() {
	submitJobCmd.Flags().String("data-dir", "./data", "Data directory for the throwaway state backend")
	submitJobCmd.Flags().Int("partitions", 1, "Number of partitions for the synthetic job's single stage")
}
