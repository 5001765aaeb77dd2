package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"colloquy/internal/config"
	"colloquy/internal/domain"
	"colloquy/internal/ensemble"
	"colloquy/internal/featurize"
	"colloquy/internal/lock"
	"colloquy/internal/logging"
	"colloquy/internal/policy"
	"colloquy/internal/processor"
	"colloquy/internal/store"
	"colloquy/internal/telemetry"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "colloquy",
	Short: "colloquy - dialogue state tracker and policy ensemble",
	Long: `colloquy is a conversational runtime built around an append-only
event log. Every turn is a pure fold over recorded events; competing policies
(declarative rules, trajectory memoization, slot-filling forms, learned
scorers, a fallback) predict the next action and a deterministic ensemble
arbitrates between them.

Run 'colloquy run' to start an interactive session.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// runtime bundles everything a command needs to process turns.
type runtime struct {
	cfg        *config.Config
	domain     *domain.Domain
	processor  *processor.Processor
	store      store.TrackerStore
	metrics    *telemetry.Metrics
	rules      *policy.RulePolicy
	ensemble   *ensemble.Ensemble
	featurizer featurize.Featurizer
	watcher    *domain.RulesWatcher
	scorer     *policy.EmbeddingScorer
}

// buildRuntime loads the domain, trains the policies, and wires the
// processor per the configuration.
func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logging.Initialize(workspace, cfg.LoggingSettings()); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	d, err := domain.Load(cfg.Domain.Path)
	if err != nil {
		return nil, err
	}

	var stories []domain.Story
	if cfg.Domain.StoriesPath != "" {
		if stories, err = domain.LoadStories(cfg.Domain.StoriesPath); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Warn("failed to load stories", zap.Error(err))
			}
			stories = nil
		}
	}

	featurizer := featurize.NewMaxHistoryFeaturizer(cfg.Policies.MaxHistory)

	rules, err := policy.NewRulePolicy(d)
	if err != nil {
		return nil, err
	}
	memo := policy.NewMemoizationPolicy(featurizer)
	if err := memo.Train(stories); err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, domain: d, rules: rules}

	policies := []policy.Policy{
		rules,
		policy.NewFormPolicy(d),
		memo,
	}
	if cfg.Embedding.Enabled {
		centroids, err := policy.LoadCentroids(cfg.Embedding.CentroidsPath)
		if err != nil {
			return nil, err
		}
		scorer, err := policy.NewEmbeddingScorer(ctx, cfg.Embedding.APIKey, cfg.Embedding.Model, centroids)
		if err != nil {
			return nil, err
		}
		rt.scorer = scorer
		policies = append(policies, policy.NewLearnedPolicy("embedding", scorer))
	} else if len(stories) > 0 {
		freq := policy.NewFrequencyScorer()
		if err := freq.Train(stories, featurizer); err != nil {
			return nil, err
		}
		policies = append(policies, policy.NewLearnedPolicy("frequency", freq))
	}
	policies = append(policies, policy.NewFallbackPolicy(d.Fallback))

	ens, err := ensemble.New(policies...)
	if err != nil {
		return nil, err
	}
	rt.ensemble = ens
	rt.featurizer = featurizer

	var trackers store.TrackerStore
	switch cfg.Store.Backend {
	case "memory":
		trackers = store.NewInMemoryTrackerStore()
	default:
		if trackers, err = store.NewSQLTrackerStore(cfg.Store.DatabasePath); err != nil {
			return nil, err
		}
	}
	rt.store = trackers

	if cfg.Metrics.Enabled {
		rt.metrics = telemetry.New(cfg.Metrics.Namespace)
		go serveMetrics(cfg.Metrics.Listen, rt.metrics)
	}

	proc, err := processor.New(processor.Config{
		Store:      trackers,
		Locks:      lock.NewInMemoryLockStore(cfg.GetLockTimeout()),
		Ensemble:   ens,
		Featurizer: featurizer,
		Executor:   newDomainExecutor(d),
		Metrics:    rt.metrics,
		MaxRetries: cfg.Policies.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	rt.processor = proc

	if cfg.Domain.WatchRules && cfg.Domain.ExtraRulesPath != "" {
		watcher, err := domain.NewRulesWatcher(cfg.Domain.ExtraRulesPath, func(contents string) error {
			return rules.Kernel().SetExtra(contents)
		})
		if err != nil {
			logger.Warn("rules hot reload unavailable", zap.Error(err))
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn("rules hot reload unavailable", zap.Error(err))
		} else {
			rt.watcher = watcher
		}
	}

	logger.Info("runtime ready",
		zap.String("domain", d.Name),
		zap.Int("stories", len(stories)),
		zap.Strings("policies", ens.Policies()))
	return rt, nil
}

func (rt *runtime) close() {
	if rt.watcher != nil {
		rt.watcher.Stop()
	}
	if rt.scorer != nil {
		_ = rt.scorer.Close()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
}

func serveMetrics(listen string, m *telemetry.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "colloquy.yml", "path to config file")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory for logs")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
