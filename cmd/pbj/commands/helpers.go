package commands

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/spherical/pbj/cmd/pbj/ui"
	"github.com/spherical/pbj/internal/config"
	"github.com/spherical/pbj/internal/domain"
	"github.com/spherical/pbj/internal/ledger"
	"github.com/spherical/pbj/internal/notify"
	"github.com/spherical/pbj/internal/observability"
)

// runFlags are the pipeline options that can be set on the command line.
type runFlags struct {
	premium     bool
	model       string
	skipEnhance bool
	output      string
	concurrency int
	parser      string
}

func (f *runFlags) register(cmd *cobra.Command, withOutput bool) {
	cmd.Flags().BoolVar(&f.premium, "premium", false, "use LlamaParse premium mode")
	cmd.Flags().StringVar(&f.model, "model", "", "LLM model for enhance and extract")
	cmd.Flags().BoolVar(&f.skipEnhance, "skip-enhance", false, "route parsed markdown straight to extract")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "pages processed at once per stage")
	cmd.Flags().StringVar(&f.parser, "parser", "", "parse backend: llamaparse or local")
	if withOutput {
		cmd.Flags().StringVarP(&f.output, "output", "o", "", "base folder for document output")
	}
}

// overrides returns the flags the user set explicitly, keyed by config option.
func (f *runFlags) overrides(cmd *cobra.Command) map[string]string {
	out := make(map[string]string)
	changed := cmd.Flags().Changed
	if changed("premium") {
		out["use_premium_mode"] = strconv.FormatBool(f.premium)
	}
	if changed("model") {
		out["openai_model"] = f.model
	}
	if changed("skip-enhance") {
		out["skip_enhance"] = strconv.FormatBool(f.skipEnhance)
	}
	if changed("concurrency") {
		out["concurrency"] = strconv.Itoa(f.concurrency)
	}
	if changed("parser") {
		out["parser"] = f.parser
	}
	if changed("output") {
		out["output_base_dir"] = f.output
	}
	if verbose {
		out["enable_verbose_logging"] = "true"
	}
	return out
}

func loadConfig(overrides map[string]string) (*config.Config, error) {
	cfg, err := (&config.Resolver{ConfigPath: cfgFile, Overrides: overrides}).Resolve()
	if err != nil {
		return nil, err
	}
	for _, w := range cfg.SortedWarnings() {
		ui.Warning("%s", w)
	}
	return cfg, nil
}

// newLogger builds the process logger. Unless a level was configured, only
// warnings are logged so they do not interleave with progress output.
func newLogger(cfg *config.Config) *observability.Logger {
	level := cfg.LogLevel
	if cfg.Source("log_level") == config.SourceDefault {
		level = "warn"
	}
	if cfg.Verbose {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:       level,
		Format:      cfg.LogFormat,
		ServiceName: "pbj",
	})
}

// openLedger opens the run history. It returns nil when the ledger is
// disabled or unavailable; a run never fails because of it.
func openLedger(ctx context.Context, cfg *config.Config, logger *observability.Logger) *ledger.Ledger {
	driver, dsn := cfg.LedgerTarget()
	if driver == ledger.DriverNone {
		return nil
	}
	l, err := ledger.Open(driver, dsn)
	if err == nil {
		err = l.Migrate(ctx)
		if err != nil {
			l.Close()
		}
	}
	if err != nil {
		logger.Warn().Err(err).Str("driver", driver).Msg("Run ledger unavailable")
		return nil
	}
	return l
}

// openPublisher connects the Redis event publisher when one is configured.
func openPublisher(ctx context.Context, cfg *config.Config, logger *observability.Logger) *notify.RedisPublisher {
	if cfg.RedisAddr == "" {
		return nil
	}
	p, err := notify.NewRedisPublisher(ctx, notify.RedisConfig{Addr: cfg.RedisAddr, Channel: cfg.RedisChannel}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Redis event publishing disabled")
		ui.Warning("Redis unavailable, events will not be published")
		return nil
	}
	return p
}

func stageLabel(stage domain.Stage) string {
	switch stage {
	case domain.StageNone:
		return "not started"
	case domain.StageReshape:
		return "reshape (complete)"
	default:
		return stage.String()
	}
}
