// Package bot assembles the store, plugin registry, dispatch engine,
// listeners and scheduler into a running Misskey bot.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sipeed/misskeybot/pkg/api"
	"github.com/sipeed/misskeybot/pkg/bus"
	"github.com/sipeed/misskeybot/pkg/config"
	"github.com/sipeed/misskeybot/pkg/dispatch"
	"github.com/sipeed/misskeybot/pkg/events"
	"github.com/sipeed/misskeybot/pkg/logger"
	"github.com/sipeed/misskeybot/pkg/metrics"
	"github.com/sipeed/misskeybot/pkg/misskey"
	"github.com/sipeed/misskeybot/pkg/persistence"
	"github.com/sipeed/misskeybot/pkg/plugin"
	"github.com/sipeed/misskeybot/pkg/providers"
	"github.com/sipeed/misskeybot/pkg/retry"
	"github.com/sipeed/misskeybot/pkg/scheduler"
)

// Options selects what New builds beyond the core.
type Options struct {
	// Sources is the plugin registration table.
	Sources []plugin.Source
	// Console builds an offline bot: no Misskey client, no scheduler, no
	// admin server, and a missing model key is tolerated.
	Console bool
	// Notes overrides the Misskey REST client, for tests.
	Notes NoteAPI
}

// Bot is the composition root. Its exported fields are the assembled
// components, read-only after New.
type Bot struct {
	cfg *config.Config

	Store    *persistence.Store
	Metrics  *metrics.Metrics
	Bus      *bus.MessageBus
	Registry *plugin.Registry
	Engine   *dispatch.Engine

	exec   *retry.Executor
	policy retry.Policy
	proxy  *providers.Proxy

	client      *misskey.Client
	streaming   listener
	poller      *misskey.Poller
	history     ChatTimelineAPI
	responder   *Responder
	Autopost    *scheduler.Autopost
	Maintenance *scheduler.Maintenance
	Server      *api.Server

	// streamCooldown is how long Run waits before reopening a stream whose
	// reconnect retries ran out while polling keeps events flowing.
	streamCooldown time.Duration

	mu        sync.RWMutex
	selfID    string
	startedAt time.Time
}

// listener is an event producer feeding OnEvent.
type listener interface {
	Run(ctx context.Context, handle misskey.EventHandler) error
}

// PolicyFrom maps the api config section to a retry policy.
func PolicyFrom(c config.APIConfig) retry.Policy {
	return retry.Policy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.BaseDelay,
		MaxDelay:   c.MaxDelay,
		Backoff:    retry.ParseBackoff(c.Backoff),
		Timeout:    c.Timeout,
		Jitter:     c.Jitter,
	}
}

// New opens the store and wires every component. Plugin load failures are
// logged and skipped; they never fail New.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Bot, error) {
	store, err := persistence.Open(ctx, cfg.Persistence.DBPath)
	if err != nil {
		return nil, err
	}

	b := &Bot{
		cfg:     cfg,
		Store:   store,
		Metrics: metrics.New(),
		Bus:     bus.NewMessageBus(cfg.Bot.QueueSize),
		policy:  PolicyFrom(cfg.API),
	}
	b.exec = retry.NewExecutor(b.Metrics)

	if err := b.buildProvider(opts.Console); err != nil {
		store.Close()
		return nil, err
	}
	b.streamCooldown = 5 * time.Minute

	svc := plugin.Services{
		Config:    cfg,
		Namespace: func(name string) plugin.KV { return store.Namespace(name) },
		Proxy:     pluginProxy{model: b.proxy, out: providers.NewOutbound(nil, b.exec, b.policy)},
	}
	b.Registry = plugin.NewRegistry(cfg, svc)
	// Load logs every skipped source itself.
	b.Registry.Load(ctx, opts.Sources)

	b.Engine = dispatch.New(b.Registry, b.Metrics, b.Bus)

	if opts.Console {
		return b, nil
	}

	notes := opts.Notes
	if notes == nil {
		b.client = misskey.NewClient(cfg.Misskey.InstanceURL, cfg.Misskey.AccessToken)
		notes = b.client
	}
	b.streaming = misskey.NewStreaming(cfg.Misskey.InstanceURL, cfg.Misskey.AccessToken, b.exec, b.policy)
	resp := cfg.Bot.Response
	if api, ok := notes.(misskey.PollAPI); ok && resp.PollingInterval > 0 && (resp.MentionEnabled || resp.ChatEnabled) {
		b.poller = misskey.NewPoller(api, b.exec, b.policy, resp.PollingInterval)
		b.poller.Mentions = resp.MentionEnabled
		b.poller.Chats = resp.ChatEnabled
	}
	if api, ok := notes.(ChatTimelineAPI); ok && resp.ChatHistoryLimit > 0 {
		b.history = api
	}
	b.responder = NewResponder(notes, b.exec, b.policy, cfg.Bot.Response.Visibility, cfg.Bot.AutoPost.Visibility)
	b.Bus.RegisterHandler(events.ChannelMisskey, b.responder.Deliver)

	if cfg.Bot.AutoPost.Enabled {
		if b.proxy == nil {
			logger.WarnC("bot", "Autopost enabled but no model provider configured, autopost disabled")
		} else {
			b.Autopost = scheduler.NewAutopost(scheduler.AutopostConfig{
				Interval:     cfg.AutoPostInterval(),
				InitialDelay: cfg.Bot.AutoPost.InitialDelay,
				Quota:        cfg.Bot.AutoPost.MaxPostsPerDay,
				Prompt:       cfg.Bot.AutoPost.Prompt,
				SystemPrompt: cfg.Bot.SystemPrompt,
				Visibility:   cfg.Bot.AutoPost.Visibility,
				Location:     cfg.Location(),
				Grace:        cfg.Bot.ShutdownGrace,
			}, b.Engine, b.proxy, b.responder, store, b.Metrics, b.Bus)
		}
	}

	maint, err := b.buildMaintenance()
	if err != nil {
		store.Close()
		return nil, err
	}
	b.Maintenance = maint

	if cfg.Server.Enabled {
		apiOpts := api.Options{
			Addr:     cfg.Server.Addr,
			Token:    cfg.Server.Token,
			Plugins:  b.Registry,
			Store:    store,
			Bus:      b.Bus,
			Metrics:  b.Metrics.Handler(),
			Location: cfg.Location(),
		}
		if b.Autopost != nil {
			apiOpts.Autopost = b.Autopost
		}
		if b.proxy != nil {
			apiOpts.Model = b.proxy.Model()
		}
		b.Server = api.NewServer(apiOpts)
	}
	return b, nil
}

func (b *Bot) buildProvider(console bool) error {
	if b.cfg.Provider.APIKey == "" {
		if console {
			logger.WarnC("bot", "No provider api key, model replies disabled")
			return nil
		}
		return errors.New("provider.api_key is required")
	}
	gen, err := providers.New(b.cfg.Provider)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	b.proxy = providers.NewProxy(gen, b.exec, b.policy, b.cfg.Provider.MaxTokens, b.cfg.Provider.Temperature)
	logger.InfoCF("bot", "Model provider ready", map[string]interface{}{
		"provider": gen.Name(),
		"model":    gen.Model(),
	})
	return nil
}

func (b *Bot) buildMaintenance() (*scheduler.Maintenance, error) {
	var jobs []scheduler.Job
	if expr := b.cfg.Persistence.CleanupCron; expr != "" {
		jobs = append(jobs, scheduler.CleanupJob(expr, b.Store, b.cfg.CleanupAge()))
	}
	if expr := b.cfg.Persistence.VacuumCron; expr != "" {
		jobs = append(jobs, scheduler.VacuumJob(expr, b.Store))
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return scheduler.NewMaintenance(b.cfg.Location(), b.Metrics, b.Bus, jobs...)
}

// SelfID is the bot account id, empty until Run resolved it.
func (b *Bot) SelfID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.selfID
}

// StartedAt is when dispatch began; zero before.
func (b *Bot) StartedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.startedAt
}

// Close releases the store.
func (b *Bot) Close() error {
	return b.Store.Close()
}
