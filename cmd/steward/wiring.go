package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dlowe/steward/internal/agent"
	"github.com/dlowe/steward/internal/agent/providers"
	"github.com/dlowe/steward/internal/cards"
	"github.com/dlowe/steward/internal/channels"
	"github.com/dlowe/steward/internal/channels/cli"
	"github.com/dlowe/steward/internal/channels/discord"
	"github.com/dlowe/steward/internal/channels/email"
	"github.com/dlowe/steward/internal/channels/slack"
	"github.com/dlowe/steward/internal/channels/telegram"
	"github.com/dlowe/steward/internal/channels/websocket"
	"github.com/dlowe/steward/internal/commands"
	"github.com/dlowe/steward/internal/compaction"
	"github.com/dlowe/steward/internal/config"
	"github.com/dlowe/steward/internal/observability"
	"github.com/dlowe/steward/internal/sessions"
	"github.com/dlowe/steward/internal/storage"
	"github.com/dlowe/steward/pkg/models"

	_ "modernc.org/sqlite"

	_ "github.com/lib/pq"
)

// server bundles every wired subsystem a running steward process needs,
// grounded on the teacher's gateway.ManagedServer (Config/Logger in,
// Start/Stop lifecycle out) but scoped to the channel-and-card surface
// this module actually implements rather than a gRPC+HTTP API gateway.
type server struct {
	cfg    *config.Config
	logger *slog.Logger

	stores      storage.StoreSet
	sessions    sessions.Store
	threads     sessions.ThreadStore
	toolEvents  sessions.ToolEventStore
	cardStore   cards.Store
	broadcaster *cards.Broadcaster
	queue       *cards.Queue
	sweeper     *cards.Sweeper
	generator   *cards.Generator

	loop      *agent.LoopRunner
	compactor *compaction.Planner
	registry  *channels.Registry
	commands  *commands.Registry
	parser    *commands.Parser
	metrics   *observability.Metrics

	httpServer *http.Server
}

// buildServer wires every subsystem named in SPEC_FULL.md from cfg:
// storage, sessions, cards (store/broadcaster/queue/generator/sweeper),
// LLM providers, the agent loop, the command registry, and every enabled
// channel adapter.
func buildServer(cfg *config.Config, logger *slog.Logger) (*server, error) {
	s := &server{cfg: cfg, logger: logger, metrics: observability.NewMetrics()}

	stores, sessionStore, err := buildStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("build storage: %w", err)
	}
	s.stores = stores
	s.sessions = sessionStore
	s.threads = sessions.NewMemoryThreadStore()
	s.toolEvents = sessions.NewMemoryToolEventStore()

	if err := s.buildCards(); err != nil {
		return nil, fmt.Errorf("build cards: %w", err)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("build llm provider: %w", err)
	}
	s.generator = cards.NewGenerator(provider, s.queue, cards.GeneratorConfig{
		ConfidenceFloor: cfg.Cards.ConfidenceFloor,
		MaxCards:        cfg.Cards.MaxCardsPerMessage,
		Model:           cfg.LLM.Providers[cfg.LLM.DefaultProvider].DefaultModel,
	}, logger)
	s.queue.SetRefiner(s.generator.Refine)

	registry := agent.NewToolRegistry()
	approval := agent.NewApprovalChecker(agent.DefaultApprovalPolicy())
	s.loop = agent.NewLoopRunner(provider, registry, nil, agent.RuntimeOptions{
		MaxIterations:   agent.MaxIterations,
		ApprovalChecker: approval,
	})

	summaryModel := cfg.Compaction.SummaryModel
	if summaryModel == "" {
		summaryModel = cfg.LLM.Providers[cfg.LLM.DefaultProvider].DefaultModel
	}
	completer := providerChatCompleter{provider: provider, model: summaryModel}
	summarizer := compaction.NewLLMTurnSummarizer(completer, nil)
	s.compactor = compaction.NewPlanner(cfg.Compaction.TokenBudget, summarizer, nil)

	s.commands = commands.NewRegistry(logger)
	commands.RegisterBuiltins(s.commands)
	registerCardCommands(s.commands, s.queue)
	s.registerApprovalCommands()
	s.parser = commands.NewParser(s.commands)

	s.registry = channels.NewRegistry()
	if err := s.buildChannels(); err != nil {
		return nil, fmt.Errorf("build channels: %w", err)
	}

	return s, nil
}

func (s *server) buildCards() error {
	cfg := s.cfg.Cards
	s.broadcaster = cards.NewBroadcaster(cfg.SubscriberQueueDepth, s.logger)

	store, err := buildCardStore(s.cfg)
	if err != nil {
		return err
	}
	s.cardStore = store
	s.queue = cards.NewQueue(s.cardStore, s.broadcaster, s.logger)

	sweeper, err := cards.NewSweeper(s.queue, cfg.SweepInterval, cfg.SweepCron, s.logger)
	if err != nil {
		return fmt.Errorf("new sweeper: %w", err)
	}
	s.sweeper = sweeper
	return nil
}

// buildCardStore opens its own *sql.DB against the same DSN/path the rest
// of storage uses when a SQL backend is configured, so cards and
// agents/users/channels live in the same database file or cluster even
// though storage.StoreSet does not expose its underlying handle; the
// sql.DB's own connection pool makes the second Open cheap. Memory-backed
// deployments get an in-memory card store to match.
func buildCardStore(cfg *config.Config) (cards.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres for cards: %w", err)
		}
		return cards.NewSQLStore(db, "postgres")
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite for cards: %w", err)
		}
		return cards.NewSQLStore(db, "sqlite")
	default:
		return cards.NewMemoryStore(), nil
	}
}

// buildStorage wires the agent/channel/user StoreSet and, separately, a
// sessions.Store: internal/sessions only ships memory and CockroachDB
// backends (no sqlite variant), so the "sqlite" driver falls back to an
// in-memory session store even though agents/channels/users persist to
// disk.
func buildStorage(cfg *config.Config) (storage.StoreSet, sessions.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		stores, err := storage.NewCockroachStoresFromDSN(cfg.Database.URL, &storage.CockroachConfig{
			MaxOpenConns:    cfg.Database.MaxConnections,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return storage.StoreSet{}, nil, err
		}
		sessionStore, err := sessions.NewCockroachStoreFromDSN(cfg.Database.URL, &sessions.CockroachConfig{
			MaxOpenConns:    cfg.Database.MaxConnections,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return storage.StoreSet{}, nil, err
		}
		return stores, sessionStore, nil
	case "sqlite":
		stores, err := storage.NewSQLiteStoresFromPath(cfg.Database.URL)
		if err != nil {
			return storage.StoreSet{}, nil, err
		}
		return stores, sessions.NewMemoryStore(), nil
	default:
		return storage.NewMemoryStores(), sessions.NewMemoryStore(), nil
	}
}

func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	name := cfg.LLM.DefaultProvider
	pcfg, ok := cfg.LLM.Providers[name]
	if !ok {
		return nil, fmt.Errorf("no configuration for default llm provider %q", name)
	}
	switch name {
	case "openai":
		return providers.NewOpenAIProvider(pcfg.APIKey), nil
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  pcfg.APIKey,
			BaseURL: pcfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", name)
	}
}

func (s *server) buildChannels() error {
	ccfg := s.cfg.Channels

	cliAdapter, err := cli.NewAdapter(cli.Config{
		ChannelID: ccfg.CLI.ChannelID,
		In:        os.Stdin,
		Out:       os.Stdout,
		Prompt:    ccfg.CLI.Prompt,
		Logger:    s.logger,
	})
	if err != nil {
		return fmt.Errorf("cli adapter: %w", err)
	}
	s.registry.Register(cliAdapter)

	if ccfg.WebSocket.Enabled {
		s.registry.Register(websocket.NewAdapter(websocket.Config{Logger: s.logger}))
	}
	if ccfg.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{Token: ccfg.Telegram.BotToken})
		if err != nil {
			return fmt.Errorf("telegram adapter: %w", err)
		}
		s.registry.Register(adapter)
	}
	if ccfg.Discord.Enabled {
		adapter, err := discord.NewAdapter(discord.Config{Token: ccfg.Discord.BotToken, Logger: s.logger})
		if err != nil {
			return fmt.Errorf("discord adapter: %w", err)
		}
		s.registry.Register(adapter)
	}
	if ccfg.Slack.Enabled {
		s.registry.Register(slack.NewAdapter(slack.Config{BotToken: ccfg.Slack.BotToken, AppToken: ccfg.Slack.AppToken}))
	}
	if ccfg.Email.Enabled {
		adapter, err := email.NewAdapter(email.Config{
			SMTPHost:     ccfg.Email.SMTPHost,
			SMTPPort:     ccfg.Email.SMTPPort,
			SMTPUsername: ccfg.Email.SMTPUsername,
			SMTPPassword: ccfg.Email.SMTPPassword,
			FromAddress:  ccfg.Email.FromAddress,
		})
		if err != nil {
			return fmt.Errorf("email adapter: %w", err)
		}
		s.registry.Register(adapter)
	}
	return nil
}

// Start brings up every subsystem: channel adapters, the sweeper, the
// dispatch loop, and the metrics/health HTTP listener. It returns once
// everything is running; callers wait on ctx cancellation and then call
// Stop.
func (s *server) Start(ctx context.Context) error {
	if err := s.registry.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	s.sweeper.Start(ctx)
	go s.dispatchLoop(ctx)
	go s.pollCardMetrics(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.HTTPPort)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health/metrics server failed", "error", err)
		}
	}()
	s.logger.Info("steward started", "http_addr", addr)
	return nil
}

// Stop shuts down every subsystem in the reverse order Start brought them
// up, bounded by ctx's deadline.
func (s *server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}
	s.sweeper.Stop()
	if err := s.stores.Close(); err != nil {
		s.logger.Warn("failed to close storage", "error", err)
	}
	return s.registry.StopAll(ctx)
}

// pollCardMetrics periodically republishes pending-card counts per silo
// into observability.Metrics, independent of the card-event broadcast
// path so a slow or disconnected dashboard client never starves metrics.
func (s *server) pollCardMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := s.queue.SyncSnapshot(ctx, "")
			if err != nil {
				continue
			}
			var messages, todos, calendar int
			for _, card := range pending {
				switch card.Silo {
				case models.SiloMessages:
					messages++
				case models.SiloTodos:
					todos++
				case models.SiloCalendar:
					calendar++
				}
			}
			s.metrics.SetCardQueueDepth("messages", messages)
			s.metrics.SetCardQueueDepth("todos", todos)
			s.metrics.SetCardQueueDepth("calendar", calendar)
		}
	}
}
