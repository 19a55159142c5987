package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/internal/profile"
	"github.com/taskmesh/taskmesh/internal/version"
	"github.com/taskmesh/taskmesh/orchestrator"
	"github.com/taskmesh/taskmesh/store"
	"github.com/taskmesh/taskmesh/store/db"
	"github.com/taskmesh/taskmesh/taskgraph"
)

var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: `A task-graph orchestrator. Decomposes goals into dependency DAGs and routes work to the best-suited agents.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Only load .env for direct binary execution, not under systemd.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := loadProfile()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		st, err := openStore(ctx, instanceProfile)
		if err != nil {
			slog.Error("failed to open store", "error", err)
			return
		}
		defer st.Close()

		graph := taskgraph.New(st, taskgraph.WithMaxTasks(instanceProfile.MaxTasks))
		roster := newStaticRoster(viper.GetString("agents"))
		sender := newSender(viper.GetString("webhook-url"))

		orch := orchestrator.New(graph, roster, sender,
			orchestrator.WithMaxRetries(instanceProfile.MaxRetries),
			orchestrator.WithPollInterval(time.Duration(instanceProfile.PollIntervalMs)*time.Millisecond),
			orchestrator.WithMaxAssignmentsPerCycle(instanceProfile.MaxAssignmentsPerCycle),
			orchestrator.WithMinCapabilityScore(instanceProfile.MinCapabilityScore),
		)
		orch.Start(ctx)

		c := make(chan os.Signal, 1)
		// SIGTERM is the graceful shutdown signal for most supervisors.
		signal.Notify(c, terminationSignals...)

		var group errgroup.Group
		var metricsServer *http.Server
		if addr := instanceProfile.MetricsAddr; addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(orch.Metrics().Registry(), promhttp.HandlerOpts{}))
			metricsServer = &http.Server{Addr: addr, Handler: mux}
			group.Go(func() error {
				if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		}

		printGreetings(instanceProfile)

		go func() {
			<-c
			orch.Stop()
			if metricsServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = metricsServer.Shutdown(shutdownCtx)
			}
			cancel()
		}()

		<-ctx.Done()
		if err := group.Wait(); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a census of the task graph and exit",
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := loadProfile()

		ctx := context.Background()
		st, err := openStore(ctx, instanceProfile)
		if err != nil {
			slog.Error("failed to open store", "error", err)
			return
		}
		defer st.Close()

		graph := taskgraph.New(st)
		summary, err := graph.GetSummary(ctx)
		if err != nil {
			slog.Error("failed to read summary", "error", err)
			return
		}
		fmt.Printf("Tasks: %d total, %d active\n", summary.Total, summary.Active)
		for status, n := range summary.ByStatus {
			fmt.Printf("  %-10s %d\n", status, n)
		}
	},
}

func loadProfile() *profile.Profile {
	instanceProfile := &profile.Profile{
		Mode:        viper.GetString("mode"),
		Data:        viper.GetString("data"),
		Driver:      viper.GetString("driver"),
		DSN:         viper.GetString("dsn"),
		MetricsAddr: viper.GetString("metrics-addr"),
		Version:     version.GetCurrentVersion(viper.GetString("mode")),
	}
	instanceProfile.FromEnv()
	if err := instanceProfile.Validate(); err != nil {
		panic(err)
	}
	return instanceProfile
}

func openStore(ctx context.Context, instanceProfile *profile.Profile) (*store.Store, error) {
	dbDriver, err := db.NewDBDriver(instanceProfile)
	if err != nil {
		return nil, err
	}
	st := store.New(dbDriver, instanceProfile)
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of the daemon, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver (sqlite, postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name (aka. DSN)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "listen address for the Prometheus endpoint, empty disables it")
	rootCmd.PersistentFlags().String("agents", "", `static agent roster, e.g. "worker-1=coding|testing,worker-2=docs"`)
	rootCmd.PersistentFlags().String("webhook-url", "", "endpoint that receives task messages; empty logs them instead")

	for _, key := range []string{"mode", "data", "driver", "dsn", "metrics-addr", "agents", "webhook-url"} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("taskmesh")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	rootCmd.AddCommand(statusCmd)
}

func printGreetings(instanceProfile *profile.Profile) {
	fmt.Printf("TaskMesh %s started successfully!\n", instanceProfile.Version)
	if instanceProfile.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
	}
	fmt.Printf("Data directory: %s\n", instanceProfile.Data)
	fmt.Printf("Database driver: %s\n", instanceProfile.Driver)
	if instanceProfile.MetricsAddr != "" {
		fmt.Printf("Metrics at: http://%s/metrics\n", instanceProfile.MetricsAddr)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
