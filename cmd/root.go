package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tgruber/hxt/internal/output"
	"github.com/tgruber/hxt/internal/protocol"
	"github.com/tgruber/hxt/internal/remote"
	"github.com/tgruber/hxt/internal/store"
	"github.com/tgruber/hxt/internal/syncer"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "hxt",
	Short: "Hypoxic trainer - run IHHT sessions and sync them to the cloud",
	Long: `hxt coaches intermittent hypoxic-hyperoxic training sessions.
It drives the phase protocol from pulse-oximeter readings, records every
reading and adaptive event locally, and reconciles finished sessions with
the remote service when connectivity allows.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/hxt/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "hxt")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("HXT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "hxt")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "hxt.db"))
	viper.SetDefault("device_id", "")
	viper.SetDefault("remote.base_url", "")
	viper.SetDefault("remote.api_key", "")
	viper.SetDefault("remote.timeout", 30*time.Second)
	viper.SetDefault("sync.batch_size", 50)
	viper.SetDefault("sync.max_attempts", 8)
	viper.SetDefault("sync.backoff_base", 5*time.Second)
	viper.SetDefault("sync.backoff_ceiling", 5*time.Minute)
	viper.SetDefault("sync.drain_interval", 30*time.Second)
	viper.SetDefault("protocol.cycles", 3)
	viper.SetDefault("protocol.hypoxic", 7*time.Minute)
	viper.SetDefault("protocol.hyperoxic", 3*time.Minute)
	viper.SetDefault("protocol.calibration", 30*time.Second)
	viper.SetDefault("protocol.altitude", 4)
	viper.SetDefault("protocol.altitude_min", 1)
	viper.SetDefault("protocol.altitude_max", 10)
	viper.SetDefault("protocol.safety_floor", 80)
	viper.SetDefault("protocol.safety_window", 5)
	viper.SetDefault("protocol.mask_lift_timeout", 30*time.Second)

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	// Initialize store lazily — only when commands actually need it.
	// This allows config/version commands to run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// deviceID returns the stable identifier for this device. Configured values
// win; otherwise one is generated on first use and persisted so the natural
// key (device_id, session_id) never changes across restarts.
func deviceID() (string, error) {
	if id := viper.GetString("device_id"); id != "" {
		return id, nil
	}

	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "device_id")

	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}

// protocolConfig assembles the session plan from viper.
func protocolConfig() protocol.Config {
	return protocol.Config{
		PlannedCycles:         viper.GetInt("protocol.cycles"),
		HypoxicDuration:       viper.GetDuration("protocol.hypoxic"),
		HyperoxicDuration:     viper.GetDuration("protocol.hyperoxic"),
		CalibrationDuration:   viper.GetDuration("protocol.calibration"),
		StartingAltitudeLevel: viper.GetInt("protocol.altitude"),
		MinAltitudeLevel:      viper.GetInt("protocol.altitude_min"),
		MaxAltitudeLevel:      viper.GetInt("protocol.altitude_max"),
		SafetyFloorSpO2:       viper.GetInt("protocol.safety_floor"),
		SafetyWindow:          viper.GetInt("protocol.safety_window"),
		MaskLiftTimeout:       viper.GetDuration("protocol.mask_lift_timeout"),
	}
}

// newLogger builds the shared slog logger; verbose enables debug level.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// remoteClient returns the configured remote client, or an error when no
// base URL is set.
func remoteClient() (remote.Client, error) {
	baseURL := viper.GetString("remote.base_url")
	if baseURL == "" {
		return nil, fmt.Errorf("remote.base_url is not configured (run 'hxt config init')")
	}
	return remote.NewHTTPClient(baseURL, viper.GetString("remote.api_key"), viper.GetDuration("remote.timeout")), nil
}

// newEngine wires a sync engine against the given store and remote client.
func newEngine(s store.Store, client remote.Client, devID string) *syncer.Engine {
	cfg := syncer.Config{
		DeviceID:       devID,
		BatchSize:      viper.GetInt("sync.batch_size"),
		MaxAttempts:    viper.GetInt("sync.max_attempts"),
		BackoffBase:    viper.GetDuration("sync.backoff_base"),
		BackoffCeiling: viper.GetDuration("sync.backoff_ceiling"),
		DrainInterval:  viper.GetDuration("sync.drain_interval"),
	}
	return syncer.New(s, client, cfg, newLogger())
}
