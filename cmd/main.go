package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proxy-pool/pkg/database"
	"proxy-pool/pkg/manager"
	"proxy-pool/pkg/provider"
)

var (
	debugFlag bool
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "proxy-pool",
	Short: "Rotating proxy pool manager for data-extraction workers",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force a pool refresh from the supplier and print the result",
	Run: func(cmd *cobra.Command, args []string) {
		m, cleanup, err := initManager()
		if err != nil {
			logger.Error("Error initializing pool manager", "error", err)
			os.Exit(1)
		}
		defer cleanup()

		if err := m.Refresh(context.Background(), true); err != nil {
			logger.Error("Refresh failed", "error", err)
			os.Exit(1)
		}

		stats := m.Stats()
		logger.Info("Pool refreshed",
			"endpoints", stats.Endpoints,
			"lastRefreshed", stats.LastRefreshed)
	},
}

var getCmd = &cobra.Command{
	Use:   "get [region]",
	Short: "Select one endpoint, optionally preferring a region",
	Args:  cobra.RangeArgs(0, 1),
	Run: func(cmd *cobra.Command, args []string) {
		region := ""
		if len(args) > 0 {
			region = args[0]
		}

		m, cleanup, err := initManager()
		if err != nil {
			logger.Error("Error initializing pool manager", "error", err)
			os.Exit(1)
		}
		defer cleanup()

		desc, ok := m.Request(context.Background(), region)
		if !ok {
			logger.Error("No endpoint available")
			os.Exit(1)
		}

		fmt.Printf("socks5://%s:%s@%s:%d\t%s\n",
			desc.Username, desc.Password, desc.Host, desc.Port, desc.Region)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single health sweep over the whole pool",
	Run: func(cmd *cobra.Command, args []string) {
		m, cleanup, err := initManager()
		if err != nil {
			logger.Error("Error initializing pool manager", "error", err)
			os.Exit(1)
		}
		defer cleanup()

		ctx := context.Background()
		if err := m.Refresh(ctx, false); err != nil {
			logger.Warn("Refresh before sweep failed", "error", err)
		}

		report := m.SweepNow(ctx)
		logger.Info("Sweep complete",
			"sweepId", report.SweepID,
			"probed", report.Probed,
			"healthy", report.Healthy,
			"unhealthy", report.Unhealthy,
			"skipped", report.Skipped)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pool manager with periodic health sweeps",
	Run: func(cmd *cobra.Command, args []string) {
		sweepInterval := time.Duration(viper.GetInt("health.sweep_interval_seconds")) * time.Second
		if sweepInterval <= 0 {
			logger.Error("health.sweep_interval_seconds must be set for run mode")
			os.Exit(1)
		}

		m, cleanup, err := initManager()
		if err != nil {
			logger.Error("Error initializing pool manager", "error", err)
			os.Exit(1)
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := m.Refresh(ctx, false); err != nil {
			logger.Warn("Initial refresh failed, pool starts empty", "error", err)
		}

		m.Run(ctx, sweepInterval)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(runCmd)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("../")
	viper.AddConfigPath("$HOME/.proxy-pool")
	viper.AddConfigPath("/etc/proxy-pool/")

	viper.SetDefault("pool.refresh_interval_seconds", 1800)
	viper.SetDefault("health.failure_threshold", 3)
	viper.SetDefault("health.probe_timeout_seconds", 10)
	viper.SetDefault("health.probe_concurrency", 10)
	viper.SetDefault("health.check_url", "http://icanhazip.com")

	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("Error reading config file: %v\n", err)
		os.Exit(1)
	}
}

func initManager() (*manager.Manager, func(), error) {
	supplier, err := initSupplier()
	if err != nil {
		return nil, nil, err
	}

	var db *database.DB
	cleanup := func() {}
	if viper.IsSet("database.host") {
		db, err = database.NewDB()
		if err != nil {
			return nil, nil, fmt.Errorf("error connecting to database: %v", err)
		}
		if err := db.InitSchema(context.Background()); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("error initializing database schema: %v", err)
		}
		cleanup = func() { db.Close() }
	}

	config := manager.Config{
		RefreshInterval:  time.Duration(viper.GetInt("pool.refresh_interval_seconds")) * time.Second,
		FailureThreshold: viper.GetInt("health.failure_threshold"),
		ProbeTimeout:     time.Duration(viper.GetInt("health.probe_timeout_seconds")) * time.Second,
		ProbeConcurrency: viper.GetInt("health.probe_concurrency"),
		HealthCheckURL:   viper.GetString("health.check_url"),
		VerifyRegion:     viper.GetBool("health.verify_region"),
	}

	return manager.New(supplier, config, db, logger), cleanup, nil
}

func initSupplier() (provider.Supplier, error) {
	system := provider.System(viper.GetString("provider.system"))

	config := provider.Config{
		System:      system,
		APIKey:      viper.GetString("provider.api_key"),
		BaseURL:     viper.GetString("provider.base_url"),
		CountryCode: viper.GetString("provider.country_code"),
		PageSize:    viper.GetInt("provider.page_size"),
	}

	if system == provider.SystemStatic {
		if err := viper.UnmarshalKey("provider.endpoints", &config.Records); err != nil {
			return nil, fmt.Errorf("invalid static endpoint list: %v", err)
		}
	}

	return provider.NewSupplier(config, logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
