package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/codepaper-harvester/internal/config"
	"github.com/JakeFAU/codepaper-harvester/internal/logging"
)

// runtimeKeyType is the key for storing the Runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// Runtime holds the loaded configuration and logger shared by subcommands.
type Runtime struct {
	Config config.Config
	Logger *zap.Logger
}

// newLogger is a variable so tests can capture log output.
var newLogger = logging.New

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Collects research articles that publish code and peer-review files.",
		Long: `harvester walks the research-article listings of Nature Human Behaviour and
Palgrave Communications, keeps the articles published in the configured year
range that link a GitHub repository and a peer-review file, and downloads the
paper, code archive, supplementary material, and peer-review file while
honoring robots.txt.`,
		SilenceUsage: true,

		// Runs after flags are parsed, so flag values reach the config.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &Runtime{Config: cfg, Logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*Runtime); ok && rt != nil {
				_ = rt.Logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML, TOML, or JSON)")
	flags.String("output-dir", "output", "root of the output tree")
	flags.Bool("log-dev", false, "human-readable development logging")
	flags.String("log-level", "info", "minimum log level")
	bindFlags(v, flags, map[string]string{
		"output-dir": "output.dir",
		"log-dev":    "logging.development",
		"log-level":  "logging.level",
	})

	cmd.AddCommand(newCrawlCmd(v), newSummaryCmd())
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func resolveRuntime(ctx context.Context) (*Runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*Runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context, which stops intake of new articles.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "harvester:", err)
		os.Exit(1)
	}
}
