package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/artifacts"
	"github.com/parleyhq/parley/pkg/billing"
	"github.com/parleyhq/parley/pkg/cache"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/files"
	"github.com/parleyhq/parley/pkg/llm"
	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/ops"
	"github.com/parleyhq/parley/pkg/prompt"
	"github.com/parleyhq/parley/pkg/sandbox"
	"github.com/parleyhq/parley/pkg/state"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/sysprompt"
	"github.com/parleyhq/parley/pkg/telegram"
	"github.com/parleyhq/parley/pkg/telemetry"
	"github.com/parleyhq/parley/pkg/tools"
	"github.com/parleyhq/parley/pkg/transcribe"
	"github.com/parleyhq/parley/pkg/version"
	"github.com/parleyhq/parley/pkg/writeback"
)

// shutdownGrace bounds the ordered teardown after the stop signal
const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long:  `Starts the Telegram ingress, the agent pipeline, and the background services, and runs until interrupted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := config.Overlay(cfg, serveFlagOverrides(cmd.Flags())); err != nil {
			return err
		}
		if err := logger.SetLogLevel(cfg.Logging.Level); err != nil {
			return err
		}
		logger.SetLogFormat(cfg.Logging.Format)
		if err := cfg.ValidateServe(); err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().String("log-level", "", "override logging.level for this run")
	serveCmd.Flags().String("log-format", "", "override logging.format for this run")
	serveCmd.Flags().String("db-path", "", "override db.path")
	serveCmd.Flags().String("redis-addr", "", "override redis.addr")
	serveCmd.Flags().Bool("ops", false, "enable the ops HTTP server")
	serveCmd.Flags().String("ops-addr", "", "override ops.addr")
}

// serveFlagPaths maps serve flags onto their config keys
var serveFlagPaths = map[string][]string{
	"log-level":  {"logging", "level"},
	"log-format": {"logging", "format"},
	"db-path":    {"db", "path"},
	"redis-addr": {"redis", "addr"},
	"ops":        {"ops", "enabled"},
	"ops-addr":   {"ops", "addr"},
}

// serveFlagOverrides collects the flags the operator explicitly set, so
// only those override the loaded config.
func serveFlagOverrides(fs *pflag.FlagSet) map[string]any {
	overlay := map[string]any{}
	fs.Visit(func(f *pflag.Flag) {
		path, ok := serveFlagPaths[f.Name]
		if !ok {
			return
		}
		node := overlay
		for _, key := range path[:len(path)-1] {
			child, ok := node[key].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[key] = child
			}
			node = child
		}
		node[path[len(path)-1]] = f.Value.String()
	})
	return overlay
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log := logger.G(ctx)
	log.WithField("version", version.Get().Version).Info("starting parley")

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "parley",
		ServiceVersion: version.Get().Version,
		SamplerType:    cfg.Tracing.Sampler,
		SamplerRatio:   cfg.Tracing.Ratio,
	})
	if err != nil {
		return err
	}

	models, err := config.NewRegistry(cfg.Models)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.DB.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	cacheClient := cache.New(cache.Options{
		Addr:             cfg.Redis.Addr,
		Password:         cfg.Redis.Password,
		DB:               cfg.Redis.DB,
		UserTTL:          cfg.Redis.SessionTTL,
		ThreadTTL:        cfg.Redis.SessionTTL,
		MessagesTTL:      cfg.Redis.SessionTTL,
		FilesTTL:         cfg.Redis.SessionTTL,
		ArtifactTTL:      cfg.Redis.ArtifactTTL,
		BytesCap:         cfg.Files.BytesCacheCap,
		BreakerThreshold: cfg.Redis.BreakerFailures,
		BreakerCooldown:  cfg.Redis.BreakerOpenFor,
	})
	defer cacheClient.Close()
	if err := cacheClient.Ping(ctx); err != nil {
		log.WithError(err).Warn("redis unreachable at startup, running degraded")
	}

	sessions := state.New(cacheClient, st, state.Options{})

	flusher := writeback.New(cacheClient, st, writeback.Options{
		Interval:   cfg.Writeback.FlushInterval,
		BatchSize:  cfg.Writeback.FlushBatch,
		MaxRetries: cfg.Writeback.MaxRetries,
	})
	flusher.Start(ctx)

	fileSvc := files.New(cfg.Anthropic.APIKey, cacheClient, files.Options{
		TTL: time.Duration(cfg.Files.TTLHours) * time.Hour,
	})
	cleaner := files.NewCleaner(fileSvc, st, sessions)
	cleaner.Start(ctx, cfg.Files.CleanInterval)

	artifactSvc := artifacts.New(cacheClient)

	llmClient := llm.New(llm.Options{
		APIKey:        cfg.Anthropic.APIKey,
		MaxRetries:    cfg.Anthropic.MaxRetries,
		StreamTimeout: cfg.Agent.StreamTimeout,
	})

	sysBuilder, err := sysprompt.NewBuilder(ctx, cfg.Agent.BotName, cfg.Agent.MessageLimit, cfg.Agent.PromptDirs)
	if err != nil {
		return err
	}
	promptBuilder := prompt.New(sysBuilder)

	speech := transcribe.New(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.WhisperModel)

	imageCfg := openai.DefaultConfig(cfg.OpenAI.APIKey)
	if cfg.OpenAI.BaseURL != "" {
		imageCfg.BaseURL = cfg.OpenAI.BaseURL
	}
	imageGen := openai.NewClientWithConfig(imageCfg)

	sandboxClient := sandbox.New(sandbox.Options{
		BaseURL: cfg.Sandbox.BaseURL,
		APIKey:  cfg.Sandbox.APIKey,
	})

	engine := billing.New(st, sessions)

	registry := tools.NewRegistry(tools.Deps{
		State:       sessions,
		Files:       fileSvc,
		Artifacts:   artifactSvc,
		Sandbox:     sandboxClient,
		Transcriber: speech,
		Images:      imageGen,
		LLM:         llmClient,
		Models:      models,
		Billing:     engine,
		Critique:    sysBuilder,
		Opts: tools.Options{
			LatexBaseURL:          cfg.Latex.BaseURL,
			LatexDPI:              cfg.Latex.DPI,
			ImageModel:            cfg.OpenAI.ImageModel,
			ImagePriceUSD:         cfg.Billing.ImagePriceUSD,
			TranscribePerMinUSD:   cfg.Billing.TranscribePerMinUSD,
			SandboxDefaultTimeout: cfg.Sandbox.DefaultTimeout,
			SandboxMaxTimeout:     cfg.Sandbox.MaxTimeout,
			SandboxPricePerSecond: cfg.Sandbox.PricePerSecond,
			CritiqueMinBalanceUSD: cfg.Billing.CritiqueMinBalanceUSD,
			CritiqueMaxIterations: cfg.Agent.CritiqueMaxIterations,
		},
	})

	tgClient, err := telegram.New(cfg.Telegram.Token, telegram.Options{
		MessageLimit: cfg.Agent.MessageLimit,
	})
	if err != nil {
		return err
	}

	tracker := agent.NewTracker()

	loop := agent.NewLoop(agent.Deps{
		Frontend:  tgClient,
		State:     sessions,
		Engine:    engine,
		LLM:       llmClient,
		Prompt:    promptBuilder,
		Tools:     registry,
		Files:     fileSvc,
		Artifacts: artifactSvc,
		Models:    models,
		Tracker:   tracker,
		Agent:     cfg.Agent,
		Prices:    cfg.Billing,
	})

	batcher := agent.NewBatcher(loop, tracker, cfg.Agent.BatchWindow)

	normalizer := telegram.NewNormalizer(tgClient, sessions, fileSvc, speech, engine, models, cfg.Files, cfg.Billing)
	payments := telegram.NewPayments(tgClient, engine, cfg.Telegram.PaymentsToken)
	commands := telegram.NewCommands(tgClient, normalizer, sessions, models, payments, tracker, cfg.Agent.BotName, cfg.Telegram.AdminIDs)
	ingress := telegram.NewIngress(tgClient, normalizer, commands, payments, batcher, tracker, sessions, cfg.Telegram.PollTimeout)

	var opsServer *ops.Server
	if cfg.Ops.Enabled {
		opsServer = ops.New(cfg.Ops.Addr, cacheClient, tracker)
		opsServer.Start()
	}

	// Hot-reload the model registry and pricing when the config file
	// changes; infra knobs stay as loaded.
	if path := config.ConfigFilePath(); path != "" {
		go func() {
			for range config.Watch(ctx, path) {
				fresh, err := config.Load()
				if err != nil {
					log.WithError(err).Warn("config reload failed, keeping current registry")
					continue
				}
				if err := models.Swap(fresh.Models); err != nil {
					log.WithError(err).Warn("model registry reload rejected")
					continue
				}
				log.Info("model registry reloaded")
			}
		}()
	}

	log.Info("gateway running")
	err = ingress.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	// Ordered teardown: polling already stopped, so cancel the live
	// generations, drain the batcher, then let the flusher take its final
	// pass before the stores close.
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if n := tracker.CancelAll(); n > 0 {
		log.WithField("generations", n).Info("cancelled live generations")
	}
	if stopErr := batcher.Stop(shutCtx); stopErr != nil {
		log.WithError(stopErr).Warn("batcher drain timed out")
	}
	cleaner.Stop()
	flusher.Stop()
	if opsServer != nil {
		if shutErr := opsServer.Shutdown(shutCtx); shutErr != nil {
			log.WithError(shutErr).Warn("ops server shutdown failed")
		}
	}
	if shutdownTracer != nil {
		if shutErr := shutdownTracer(shutCtx); shutErr != nil {
			log.WithError(shutErr).Warn("tracer shutdown failed")
		}
	}

	log.Info("parley stopped")
	return err
}
