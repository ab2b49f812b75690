// ============================================================================
// fogdeck CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for managing fog nodes and their jobs
//
// Command Structure:
//   fogdeck                          # Root command
//   ├── nodes                        # Fog node registry
//   │   ├── list
//   │   ├── add <url>...
//   │   ├── remove <id|url>
//   │   ├── refresh
//   │   └── focus [url]              # No argument clears the focus
//   ├── jobs                         # Merged job view
//   │   ├── list [--status]
//   │   ├── watch
//   │   ├── get <id> [--node]
//   │   └── delete <id> [--node]
//   ├── upload <file> [--node]
//   ├── download <id> [--node] [--out]
//   ├── serve [--addr]               # Dashboard API + WebSocket
//   ├── status
//   ├── --config, -c                 # YAML config (default: configs/default.yaml)
//   └── --env-file                   # .env file (default: .env)
//
// Configuration:
//   Built-in defaults, overlaid by the YAML file, overlaid by the environment
//   (FOGDECK_DEFAULT_NODES, FOGDECK_STATE_DIR). A missing default config file
//   is not an error; a missing file passed with --config is.
//
// Node state:
//   The registry persists to state.dir, so nodes added in one invocation are
//   visible to the next. Every command waits for the initial health checks
//   before it reads the registry.
//
// Signal Handling:
//   serve and jobs watch stop on SIGINT/SIGTERM, then stop the controller
//   (polling first, registry second).
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fogdeck/internal/aggregator"
	"github.com/ChuLiYu/fogdeck/internal/controller"
	"github.com/ChuLiYu/fogdeck/internal/health"
	"github.com/ChuLiYu/fogdeck/internal/metrics"
	"github.com/ChuLiYu/fogdeck/internal/registry"
	"github.com/ChuLiYu/fogdeck/internal/server"
)

const (
	DefaultConfigPath = "configs/default.yaml"
	DefaultEnvFile    = ".env"

	EnvDefaultNodes = "FOGDECK_DEFAULT_NODES"
	EnvStateDir     = "FOGDECK_STATE_DIR"
)

// Config represents the complete fogdeck configuration
// Maps config file fields through YAML tags
type Config struct {
	Nodes struct {
		Defaults []string `yaml:"defaults"`
	} `yaml:"nodes"`

	State struct {
		Dir string `yaml:"dir"`
	} `yaml:"state"`

	Health struct {
		Timeout      time.Duration `yaml:"timeout"`
		StrictSchema bool          `yaml:"strict_schema"`
	} `yaml:"health"`

	Aggregator struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		Dedup        string        `yaml:"dedup"`
	} `yaml:"aggregator"`

	Server struct {
		Addr           string   `yaml:"addr"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

var (
	configFile string
	envFile    string

	// 由 root PersistentPreRunE 設定
	cfg    *Config
	logger *slog.Logger
)

// BuildCLI 建立 fogdeck 命令樹
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fogdeck",
		Short: "fogdeck: one console for a fleet of text-to-speech fog nodes",
		Long: `fogdeck tracks a set of fog node workers and their synthesis jobs:
- Node registry with background health checks
- Job view merged from every online node (or one focused node)
- Document upload, job deletion and audio download
- Dashboard API with a live WebSocket stream`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := loadRuntimeConfig(configFile, cmd.Flags().Changed("config"), envFile)
			if err != nil {
				return err
			}
			cfg = loaded
			logger, err = setupLogger(cfg, cmd.ErrOrStderr())
			return err
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", DefaultEnvFile, ".env file with FOGDECK_* overrides")

	rootCmd.AddCommand(buildNodesCommand())
	rootCmd.AddCommand(buildJobsCommand())
	rootCmd.AddCommand(buildUploadCommand())
	rootCmd.AddCommand(buildDownloadCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// 配置
// ============================================================================

// defaultConfig 內建預設值
func defaultConfig() *Config {
	var c Config
	c.Nodes.Defaults = []string{registry.DefaultNodeURL}
	c.State.Dir = "data/state"
	c.Health.Timeout = health.DefaultTimeout
	c.Aggregator.PollInterval = aggregator.DefaultPollInterval
	c.Aggregator.Dedup = string(aggregator.DedupByID)
	c.Server.Addr = server.DefaultAddr
	c.Metrics.Port = 9090
	c.Log.Level = "warn"
	c.Log.Format = "text"
	return &c
}

// loadConfig 讀取 YAML，未出現的欄位保留預設值
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	c := defaultConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadRuntimeConfig 依序套用預設值、YAML 與環境變數
// explicit 為 false 時允許預設配置檔不存在
func loadRuntimeConfig(path string, explicit bool, envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	c, err := loadConfig(path)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		c = defaultConfig()
	}

	applyEnv(c)
	return c, nil
}

// applyEnv 環境變數覆蓋
func applyEnv(c *Config) {
	if v, ok := os.LookupEnv(EnvDefaultNodes); ok {
		c.Nodes.Defaults = registry.SplitURLs(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvStateDir)); v != "" {
		c.State.Dir = v
	}
}

func (c *Config) validate() error {
	if _, err := aggregator.ParseDedupMode(c.Aggregator.Dedup); err != nil {
		return fmt.Errorf("invalid aggregator.dedup: %w", err)
	}
	if c.Health.Timeout < 0 || c.Aggregator.PollInterval < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

// setupLogger 依 log.level / log.format 建立 logger 並設為預設
func setupLogger(c *Config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return nil, fmt.Errorf("invalid log.level %q: %w", c.Log.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch c.Log.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log.format %q (text|json)", c.Log.Format)
	}

	l := slog.New(handler)
	slog.SetDefault(l)
	return l, nil
}

// ============================================================================
// Controller 建立
// ============================================================================

// controllerConfig 轉換為 controller.Config
func (c *Config) controllerConfig(collector *metrics.Collector) controller.Config {
	dedup, _ := aggregator.ParseDedupMode(c.Aggregator.Dedup)
	return controller.Config{
		StateDir:     c.State.Dir,
		DefaultNodes: c.Nodes.Defaults,
		Health: health.Config{
			Timeout:      c.Health.Timeout,
			StrictSchema: c.Health.StrictSchema,
		},
		Aggregator: aggregator.Config{
			PollInterval: c.Aggregator.PollInterval,
			Dedup:        dedup,
		},
		Metrics: collector,
	}
}

// openController 建立 controller 並等待首次健康檢查
func openController(collector *metrics.Collector) (*controller.Controller, error) {
	ctrl, err := controller.NewController(cfg.controllerConfig(collector), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}
	ctrl.Registry().Wait()
	return ctrl, nil
}

// withController 執行 fn 後關閉 controller
func withController(fn func(ctrl *controller.Controller) error) error {
	ctrl, err := openController(nil)
	if err != nil {
		return err
	}
	defer ctrl.Stop()
	return fn(ctrl)
}

// refreshView 執行一次聚合，供單次命令讀取任務
func refreshView(ctx context.Context, ctrl *controller.Controller) error {
	if _, err := ctrl.Aggregator().Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	return nil
}
