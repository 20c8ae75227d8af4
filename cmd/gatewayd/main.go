// Command gatewayd runs the gateway's scheduling and coordination core:
// the timer registry, event bus, priority queue, auth preload cache,
// request coalescer, subagent registry, and the orchestrator that wires
// them together for transport adapters to call into.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mymmrac/telego"
	"github.com/redis/go-redis/v9"
	"github.com/slack-go/slack"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/authcache"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/coalesce"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/cron"
	"github.com/nextlevelbuilder/goclaw/internal/orchestrator"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/store/pg"
	"github.com/nextlevelbuilder/goclaw/internal/store/s3archive"
	"github.com/nextlevelbuilder/goclaw/internal/subagents"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "Run the gateway's scheduling core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.Flags().StringVar(&configPath, "config", "gatewayd.json", "path to the gateway config file")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("gatewayd: fatal", "error", err)
		os.Exit(1)
	}
}

// buildAnnounceDispatcher wires a channels.Dispatcher from whichever
// transport bot tokens are present in the environment, so a finished
// subagent run can be announced back to the channel it was spawned from.
// Returns nil (no dispatcher) if none are configured.
func buildAnnounceDispatcher() *channels.Dispatcher {
	d := &channels.Dispatcher{}
	configured := false

	if token := os.Getenv("GATEWAYD_DISCORD_BOT_TOKEN"); token != "" {
		session, err := discordgo.New("Bot " + token)
		if err != nil {
			slog.Error("gatewayd: init discord announce client", "error", err)
		} else {
			d.Discord = session
			configured = true
		}
	}
	if token := os.Getenv("GATEWAYD_TELEGRAM_BOT_TOKEN"); token != "" {
		bot, err := telego.NewBot(token)
		if err != nil {
			slog.Error("gatewayd: init telegram announce client", "error", err)
		} else {
			d.Telegram = bot
			configured = true
		}
	}
	if token := os.Getenv("GATEWAYD_SLACK_BOT_TOKEN"); token != "" {
		d.Slack = slack.New(token)
		configured = true
	}

	if !configured {
		return nil
	}
	slog.Info("gatewayd: using managed-mode channel announce dispatcher")
	return d
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("gatewayd: load config: %w", err)
	}

	eventBus := bus.New()

	sched := scheduler.New(scheduler.Config{
		Lanes:                 scheduler.DefaultLanes(),
		MaxConcurrentSessions: cfg.Agents.Defaults.MaxConcurrentSessions,
	})
	sched.Lanes().GetOrCreate("cron", cfg.Cron.MaxConcurrentRuns)

	coalescer := coalesce.New(coalesce.Config{
		Enabled:         cfg.Agents.Defaults.Coalesce.Enabled,
		WindowMs:        cfg.Agents.Defaults.Coalesce.WindowMs,
		MaxMessages:     cfg.Agents.Defaults.Coalesce.MaxMessages,
		ExcludePatterns: []string{"subagent:"},
	})

	authResolver := func(ctx context.Context, provider, profileID string) (authcache.Credential, error) {
		return authcache.Credential{}, fmt.Errorf("gatewayd: no credential resolver configured for provider %q", provider)
	}
	authCache := authcache.New(
		authResolver,
		time.Duration(cfg.Agents.Defaults.AuthCache.TTLMs)*time.Millisecond,
		cfg.Agents.Defaults.AuthCache.MaxSize,
	)
	if addr := os.Getenv("GATEWAYD_REDIS_ADDR"); addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("GATEWAYD_REDIS_PASSWORD"),
		})
		authCache.SetCooldownMirror(authcache.NewRedisCooldownMirror(redisClient, ""))
		slog.Info("gatewayd: using managed-mode redis cooldown mirror", "addr", addr)
	}

	registryCfg := subagents.Config{
		Bus:       eventBus,
		StorePath: "subagent-runs.json",
	}
	if dsn := os.Getenv("GATEWAYD_POSTGRES_DSN"); dsn != "" {
		db, err := pg.Open(dsn)
		if err != nil {
			return fmt.Errorf("gatewayd: connect managed-mode postgres: %w", err)
		}
		registryCfg.Store = pg.NewSubagentStore(db)
		slog.Info("gatewayd: using managed-mode postgres subagent store")
	}
	if bucket := os.Getenv("GATEWAYD_S3_ARCHIVE_BUCKET"); bucket != "" {
		archiver, err := s3archive.New(ctx, s3archive.Config{
			Bucket:   bucket,
			Prefix:   os.Getenv("GATEWAYD_S3_ARCHIVE_PREFIX"),
			Region:   os.Getenv("GATEWAYD_S3_ARCHIVE_REGION"),
			Endpoint: os.Getenv("GATEWAYD_S3_ARCHIVE_ENDPOINT"),
		})
		if err != nil {
			return fmt.Errorf("gatewayd: init managed-mode s3 archiver: %w", err)
		}
		registryCfg.Archiver = archiver
		slog.Info("gatewayd: using managed-mode s3 run archiver", "bucket", bucket)
	}
	if dispatcher := buildAnnounceDispatcher(); dispatcher != nil {
		registryCfg.Announce = dispatcher.Announce
	}
	registry := subagents.New(registryCfg)
	if err := registry.Init(ctx); err != nil {
		return fmt.Errorf("gatewayd: init subagent registry: %w", err)
	}
	defer registry.Shutdown()

	orch := orchestrator.New(orchestrator.Config{
		Coalescer: coalescer,
		AuthCache: authCache,
		Scheduler: sched,
		Bus:       eventBus,
		Subagents: registry,
		Dedupe:    bus.NewDedupeCache(20*time.Minute, 5000),
		Guard:     agent.NewInputGuard(),
		Router:    agent.NewRouter(),
		Run: func(ctx context.Context, combined coalesce.Combined, cred authcache.Credential, in orchestrator.Inbound) (interface{}, error) {
			return nil, fmt.Errorf("gatewayd: no agent runtime wired for session %q", in.SessionKey)
		},
	})
	defer orch.Shutdown(5000)

	cronSvc := cron.NewService("cron-jobs.json", nil)
	cronSvc.SetOnJob(orchestrator.WrapCronHandler(sched, func(job *cron.Job) (string, error) {
		return "", fmt.Errorf("gatewayd: no cron job handler wired for job %q", job.ID)
	}))
	if err := cronSvc.Start(); err != nil {
		return fmt.Errorf("gatewayd: start cron service: %w", err)
	}
	defer cronSvc.Stop()

	slog.Info("gatewayd: running", "max_concurrent_sessions", cfg.Agents.Defaults.MaxConcurrentSessions)
	<-ctx.Done()
	slog.Info("gatewayd: shutting down")
	return nil
}
