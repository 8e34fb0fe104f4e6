package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "hxt"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage hxt configuration.

Running bare 'hxt config' is the same as 'hxt config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# hxt configuration
# See: hxt config show (for effective values and sources)

# State/data directory (default: ~/.config/hxt)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/hxt/hxt.db)
# db_path: {{ .DBPath }}

# Stable device identifier; generated on first use when empty
# device_id: "{{ .DeviceID }}"

# Remote service
remote:
  # Base URL of the sync API (empty disables sync)
  base_url: "{{ .RemoteBaseURL }}"

  # API key sent as a bearer token
  api_key: "{{ .RemoteAPIKey }}"

# Sync engine
sync:
  # Rows per upload batch (default: 50)
  batch_size: {{ .SyncBatchSize }}

  # Give up on an upload after this many attempts (default: 8)
  max_attempts: {{ .SyncMaxAttempts }}

# Protocol plan
protocol:
  # Hypoxic/hyperoxic cycles per session (default: 3)
  cycles: {{ .ProtocolCycles }}

  # Starting altitude level (default: 4)
  altitude: {{ .ProtocolAltitude }}

  # Emergency abort when SpO2 stays below this floor (default: 80)
  safety_floor: {{ .ProtocolSafetyFloor }}
`

type configTemplateData struct {
	StateDir            string
	DBPath              string
	DeviceID            string
	RemoteBaseURL       string
	RemoteAPIKey        string
	SyncBatchSize       int
	SyncMaxAttempts     int
	ProtocolCycles      int
	ProtocolAltitude    int
	ProtocolSafetyFloor int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:            viper.GetString("state_dir"),
		DBPath:              viper.GetString("db_path"),
		DeviceID:            viper.GetString("device_id"),
		RemoteBaseURL:       viper.GetString("remote.base_url"),
		RemoteAPIKey:        viper.GetString("remote.api_key"),
		SyncBatchSize:       viper.GetInt("sync.batch_size"),
		SyncMaxAttempts:     viper.GetInt("sync.max_attempts"),
		ProtocolCycles:      viper.GetInt("protocol.cycles"),
		ProtocolAltitude:    viper.GetInt("protocol.altitude"),
		ProtocolSafetyFloor: viper.GetInt("protocol.safety_floor"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "HXT_STATE_DIR"},
	{Key: "db_path", EnvVar: "HXT_DB_PATH"},
	{Key: "device_id", EnvVar: "HXT_DEVICE_ID"},
	{Key: "remote.base_url", EnvVar: "HXT_REMOTE_BASE_URL"},
	{Key: "remote.api_key", EnvVar: "HXT_REMOTE_API_KEY"},
	{Key: "sync.batch_size", EnvVar: "HXT_SYNC_BATCH_SIZE"},
	{Key: "sync.max_attempts", EnvVar: "HXT_SYNC_MAX_ATTEMPTS"},
	{Key: "protocol.cycles", EnvVar: "HXT_PROTOCOL_CYCLES"},
	{Key: "protocol.altitude", EnvVar: "HXT_PROTOCOL_ALTITUDE"},
	{Key: "protocol.safety_floor", EnvVar: "HXT_PROTOCOL_SAFETY_FLOOR"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Key == "remote.api_key" && val != "" {
			val = "(set)"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-24s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'hxt config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
