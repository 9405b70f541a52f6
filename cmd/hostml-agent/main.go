// Grounded on the teacher's cmd/phpfpm-manager/main.go: a hand-rolled
// CLI/Command map dispatching to run/validate/version/help/example-config,
// --flag parsing without a third-party flag library, and signal-driven
// graceful shutdown. Narrowed from a PHP-FPM fleet manager to a single
// per-host detection agent: SIGHUP reload and SIGUSR2 restart have no
// analog here (there is no child process tree to restart), so run reacts
// only to SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/cboxdk/hostml-agent/internal/api"
	"github.com/cboxdk/hostml-agent/internal/config"
	"github.com/cboxdk/hostml-agent/internal/prometheus"
	"github.com/cboxdk/hostml-agent/internal/service"
	"github.com/cboxdk/hostml-agent/internal/storage"
	"github.com/cboxdk/hostml-agent/internal/telemetry"
)

const version = "0.1.0-dev"

// CLI dispatches os.Args to one of the commands below.
type CLI struct {
	args []string
}

// Command is one named CLI subcommand.
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

func main() {
	cli := &CLI{args: os.Args[1:]}

	commands := map[string]*Command{
		"run":            {Name: "run", Description: "Start the detection agent", Usage: "run [--config path] [--log-level level]", Run: cli.runCommand},
		"validate":       {Name: "validate", Description: "Validate a configuration file", Usage: "validate [--config path]", Run: cli.validateCommand},
		"version":        {Name: "version", Description: "Show version information", Usage: "version", Run: cli.versionCommand},
		"help":           {Name: "help", Description: "Show help information", Usage: "help [command]", Run: cli.helpCommand},
		"example-config": {Name: "example-config", Description: "Write an example configuration file", Usage: "example-config [--output path]", Run: cli.exampleConfigCommand},
	}

	if len(cli.args) == 0 {
		cli.printUsage(commands)
		os.Exit(1)
	}

	commandName := cli.args[0]
	if commandName == "--help" || commandName == "-h" {
		cli.printUsage(commands)
		return
	}

	if _, exists := commands[commandName]; !exists {
		if strings.HasPrefix(commandName, "--") {
			commandName = "run"
		} else {
			fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", commandName)
			cli.printUsage(commands)
			os.Exit(1)
		}
	} else {
		cli.args = cli.args[1:]
	}

	if err := commands[commandName].Run(cli.args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (cli *CLI) printUsage(commands map[string]*Command) {
	fmt.Printf("hostml-agent v%s\n", version)
	fmt.Println("Per-host unsupervised anomaly detection agent.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Printf("  %s <command> [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("COMMANDS:")
	for _, name := range []string{"run", "validate", "example-config", "version", "help"} {
		if cmd, ok := commands[name]; ok {
			fmt.Printf("  %-15s %s\n", cmd.Name, cmd.Description)
		}
	}
	fmt.Println()
	fmt.Println("GLOBAL OPTIONS:")
	fmt.Println("  --help, -h       Show help information")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Printf("  %s run --config /etc/hostml-agent/config.yaml\n", os.Args[0])
	fmt.Printf("  %s validate --config ./config.yaml\n", os.Args[0])
	fmt.Printf("  %s example-config --output ./config.yaml\n", os.Args[0])
}

func (cli *CLI) parseFlags(args []string, flags map[string]*string) []string {
	var remaining []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if strings.HasPrefix(arg, "--") {
			name := strings.TrimPrefix(arg, "--")
			if strings.Contains(name, "=") {
				parts := strings.SplitN(name, "=", 2)
				if v, ok := flags[parts[0]]; ok {
					*v = parts[1]
				}
				continue
			}
			if v, ok := flags[name]; ok {
				if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
					*v = args[i+1]
					i++
				} else {
					*v = "true"
				}
				continue
			}
		}
		remaining = append(remaining, arg)
	}
	return remaining
}

func (cli *CLI) runCommand(args []string) error {
	var configPath string
	logLevel := "info"
	flags := map[string]*string{"config": &configPath, "log-level": &logLevel}
	remaining := cli.parseFlags(args, flags)
	for _, a := range remaining {
		if a == "--help" || a == "-h" {
			cli.printRunHelp()
			return nil
		}
	}

	logger, err := cli.createLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	var cfg *config.Config
	if configPath == "" {
		logger.Info("running in zero-config mode with built-in defaults")
		cfg, err = config.LoadDefault()
	} else {
		if statErr := cli.validateConfigPath(configPath); statErr != nil {
			return statErr
		}
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := storage.NewAnomalyStore(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open anomaly store: %w", err)
	}
	defer store.Stop()

	telemetrySvc, err := telemetry.NewService(cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	exporter, err := prometheus.NewExporter(cfg.Server, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics exporter: %w", err)
	}

	events := telemetry.NewEventEmitter(telemetrySvc, logger, nil)

	svc := service.New(cfg.Detection, store, exporter, events, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store.Start(ctx)

	// Start blocks until ctx is cancelled, so it runs beside the signal wait.
	go func() {
		if err := exporter.Start(ctx); err != nil {
			logger.Error("metrics exporter stopped with error", zap.Error(err))
		}
	}()
	defer exporter.Stop(context.Background())

	apiServer := api.NewServer(logger, svc, version)
	inner := http.NewServeMux()
	apiServer.SetupRoutes(inner)

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.APIBasePath+"/", http.StripPrefix(cfg.Server.APIBasePath, inner))
	mux.HandleFunc(cfg.Server.HealthPath, apiServer.HandleHealth)

	limiter := api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	httpSrv := &http.Server{
		Addr:        cfg.Server.BindAddress,
		Handler:     api.SecurityHeadersMiddleware(limiter.Middleware(mux)),
		ReadTimeout: cfg.Server.ReadTimeout,
	}
	go func() {
		if serveErr := httpSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("api server stopped with error", zap.Error(serveErr))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("hostml-agent started",
		zap.String("version", version),
		zap.String("bind_address", cfg.Server.BindAddress),
		zap.Bool("telemetry_enabled", cfg.Telemetry.Enabled))

	<-sigChan
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	svc.Shutdown(config.DefaultShutdownTimeout)
	telemetrySvc.Stop(shutdownCtx)

	logger.Info("hostml-agent stopped")
	return nil
}

func (cli *CLI) validateCommand(args []string) error {
	var configPath string
	flags := map[string]*string{"config": &configPath}
	remaining := cli.parseFlags(args, flags)
	for _, a := range remaining {
		if a == "--help" || a == "-h" {
			cli.printValidateHelp()
			return nil
		}
	}

	cfg := config.DefaultConfig()
	if configPath == "" {
		fmt.Println("validating zero-config defaults")
	} else {
		if statErr := cli.validateConfigPath(configPath); statErr != nil {
			return statErr
		}
		fmt.Printf("validating configuration file: %s\n", configPath)
		data, readErr := os.ReadFile(configPath)
		if readErr != nil {
			return fmt.Errorf("failed to read config file: %w", readErr)
		}
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return fmt.Errorf("failed to parse config file: %w", yamlErr)
		}
	}

	result := config.Validate(cfg)
	if len(result.Errors) == 0 {
		fmt.Println("configuration passes all validation checks")
		return nil
	}

	fmt.Printf("\nVALIDATION ERRORS (%d):\n", len(result.Errors))
	for i, e := range result.Errors {
		fmt.Printf("  %d. %s: %s (value: %v)\n", i+1, e.Field, e.Message, e.Value)
	}
	return fmt.Errorf("configuration validation failed")
}

func (cli *CLI) versionCommand(args []string) error {
	fmt.Printf("hostml-agent version %s\n", version)
	fmt.Println("Built with Go")
	return nil
}

func (cli *CLI) helpCommand(args []string) error {
	if len(args) == 0 {
		cli.printUsage(map[string]*Command{
			"run":            {Name: "run", Description: "Start the detection agent"},
			"validate":       {Name: "validate", Description: "Validate a configuration file"},
			"example-config": {Name: "example-config", Description: "Write an example configuration file"},
			"version":        {Name: "version", Description: "Show version information"},
			"help":           {Name: "help", Description: "Show help information"},
		})
		return nil
	}
	switch args[0] {
	case "run":
		cli.printRunHelp()
	case "validate":
		cli.printValidateHelp()
	case "example-config":
		cli.printExampleConfigHelp()
	case "version":
		fmt.Println("USAGE: hostml-agent version")
	default:
		fmt.Printf("unknown command: %s\n\n", args[0])
	}
	return nil
}

func (cli *CLI) exampleConfigCommand(args []string) error {
	outputPath := "config.yaml"
	flags := map[string]*string{"output": &outputPath}
	remaining := cli.parseFlags(args, flags)
	for _, a := range remaining {
		if a == "--help" || a == "-h" {
			cli.printExampleConfigHelp()
			return nil
		}
	}

	if _, err := os.Stat(outputPath); err == nil {
		return fmt.Errorf("file already exists: %s", outputPath)
	}

	source := filepath.Join("configs", "example.yaml")
	data, err := os.ReadFile(source)
	if err != nil {
		return fmt.Errorf("failed to read example config: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("example configuration written to: %s\n", outputPath)
	fmt.Printf("  hostml-agent validate --config %s\n", outputPath)
	return nil
}

func (cli *CLI) validateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path cannot be empty")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", path)
	}
	return nil
}

func (cli *CLI) createLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn", "warning":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", level)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}

func (cli *CLI) printRunHelp() {
	fmt.Println("USAGE: hostml-agent run [options]")
	fmt.Println("Start the anomaly detection agent and its query API.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  --config path      Configuration file path (default: zero-config mode)")
	fmt.Println("  --log-level level  debug, info, warn, error (default: info)")
	fmt.Println()
	fmt.Println("SIGNALS:")
	fmt.Println("  SIGINT/SIGTERM     Graceful shutdown")
}

func (cli *CLI) printValidateHelp() {
	fmt.Println("USAGE: hostml-agent validate [options]")
	fmt.Println("Validate a configuration file without starting the agent.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  --config path  Configuration file path (default: zero-config mode)")
}

func (cli *CLI) printExampleConfigHelp() {
	fmt.Println("USAGE: hostml-agent example-config [options]")
	fmt.Println("Write an example configuration file.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  --output path  Output file path (default: config.yaml)")
}
