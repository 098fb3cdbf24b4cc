package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fcpqueue/config"
	"fcpqueue/fcp"
	"fcpqueue/models"
)

var (
	nodeOverride     string
	logLevelOverride string
)

// app is the state shared by every command after config has been loaded.
type app struct {
	cfg     *config.Config
	cfgPath string
	dataDir string
	logger  zerolog.Logger
}

var current app

var rootCmd = &cobra.Command{
	Use:   "fcpqueue",
	Short: "Transfer queue client for an FCP node",
	Long: `fcpqueue talks to a node over FCP. It runs one-shot fetches and inserts,
and keeps a persistent transfer queue in sync with the node's global queue.

Use "fcpqueue [command] --help" for more information about a command.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&nodeOverride, "node", "", "FCP node address host:port (default from config)")
	rootCmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "log level (trace|debug|info|warn|error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(helloCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(discoverCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadApp(cmd *cobra.Command, _ []string) error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if nodeOverride != "" {
		host, port, err := splitNodeAddress(nodeOverride)
		if err != nil {
			return err
		}
		cfg.NodeHost = host
		cfg.NodePort = port
	}

	level := cfg.LogLevel
	if logLevelOverride != "" {
		level = logLevelOverride
	}

	current = app{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: filepath.Dir(cfgPath),
		logger:  newLogger(level),
	}
	return nil
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(parsed).With().Timestamp().Logger()
}

func splitNodeAddress(address string) (string, int, error) {
	host, rawPort, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("invalid node address %q: %w", address, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid node port %q", rawPort)
	}
	return host, port, nil
}

// newClient builds a one-shot client from config. address overrides the
// configured node when non-empty.
func (a *app) newClient(address string, sequence *fcp.Sequence) *fcp.Client {
	if address == "" {
		address = a.cfg.NodeAddress()
	}
	downloadPriority := models.PriorityFromClass(a.cfg.DefaultDownloadPriority)
	uploadPriority := models.PriorityFromClass(a.cfg.DefaultUploadPriority)
	return fcp.NewClient(fcp.ClientOptions{
		Address:                 address,
		ClientName:              a.cfg.ClientName,
		Sequence:                sequence,
		DDA:                     a.cfg.DDAEnabled,
		DefaultDownloadPriority: &downloadPriority,
		DefaultUploadPriority:   &uploadPriority,
		Logger:                  a.logger,
	})
}

// newSequence seeds identifiers from the wall clock so that separate runs
// never reuse an identifier still present in the node's global queue.
func newSequence() *fcp.Sequence {
	return fcp.NewSequence(uint64(time.Now().UnixNano()))
}

func parsePriority(raw int, fallback int) (models.Priority, error) {
	if raw < 0 {
		return models.PriorityFromClass(fallback), nil
	}
	p := models.PriorityFromClass(raw)
	if !p.Valid() {
		return models.PriorityUnset, fmt.Errorf("priority must be between %s and %s", models.PriorityMaximum, models.PriorityMinimum)
	}
	return p, nil
}
