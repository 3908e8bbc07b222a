// Package daemon wires the wafleet process: session store, WhatsApp transport, bot features,
// lifecycle manager, control gateway and housekeeping.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/wafleet/internal/assistant"
	"github.com/harun/wafleet/internal/config"
	"github.com/harun/wafleet/internal/logger"
	"github.com/harun/wafleet/internal/media"
	"github.com/harun/wafleet/internal/observability"
	"github.com/harun/wafleet/internal/tracing"
	"github.com/harun/wafleet/internal/whatsapp"
	"github.com/harun/wafleet/pkg/dedupe"
	"github.com/harun/wafleet/pkg/gateway"
	"github.com/harun/wafleet/pkg/lifecycle"
	"github.com/harun/wafleet/pkg/moderation"
	"github.com/harun/wafleet/pkg/pairing"
	"github.com/harun/wafleet/pkg/session"
	"github.com/rs/zerolog"
)

const dedupeCapacity = 10000

// Daemon represents the wafleet daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store     *session.Store
	watcher   *session.Watcher
	transport lifecycle.Transport
	features  *whatsapp.Features
	assistant *assistant.Service
	songs     *media.Client
	groups    *moderation.Store
	artifacts *pairing.Store
	seen      *dedupe.Cache
	manager   *lifecycle.Manager
	events    *gateway.EventBroadcaster
	gateway   *gateway.Server

	maintenance *Maintenance
	process     *ProcessFile

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithTransport replaces the WhatsApp transport.
func WithTransport(t lifecycle.Transport) Option {
	return func(d *Daemon) {
		d.transport = t
	}
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config:  cfg,
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
		process: NewProcessFile(cfg.PIDFile()),
	}
	for _, opt := range opts {
		opt(d)
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry("wafleet", 1); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without spans")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized")
		}
	}

	if err := d.initialize(); err != nil {
		cancel()
		d.shutdownTracing()
		return nil, err
	}

	return d, nil
}

// initialize builds every component in dependency order.
func (d *Daemon) initialize() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	if err := observability.InitAuditLogger(cfg.AuditLogPath()); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", cfg.AuditLogPath()).Msg("Audit logger initialized")
	}

	store, err := session.NewStore(session.StoreOptions{Dir: cfg.SessionsDir})
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	d.store = store

	if d.transport == nil {
		d.transport = whatsapp.NewTransport(zl)
	}

	featureOpts := whatsapp.FeaturesOptions{
		VoiceNotePath: cfg.Media.VoiceNotePath,
		Logger:        zl,
	}

	if cfg.Assistant.Enabled {
		provider, err := assistant.NewProvider(assistant.ProviderConfig{
			Provider: cfg.Assistant.Provider,
			APIKey:   cfg.Assistant.APIKey,
			BaseURL:  cfg.Assistant.BaseURL,
		})
		if err != nil {
			return fmt.Errorf("failed to create assistant provider: %w", err)
		}
		svc, err := assistant.NewService(assistant.Options{
			Provider:      provider,
			Model:         cfg.Assistant.Model,
			Timeout:       cfg.Assistant.Timeout,
			RatePerMinute: cfg.Assistant.RatePerMinute,
			SystemPrompt:  cfg.Assistant.SystemPrompt,
		})
		if err != nil {
			return fmt.Errorf("failed to create assistant: %w", err)
		}
		d.assistant = svc
		featureOpts.Assistant = svc
		d.logger.Info().Str("provider", provider.Name()).Str("model", cfg.Assistant.Model).Msg("Assistant enabled")
	}

	if cfg.Media.Enabled() {
		d.songs = media.NewClient(media.Options{
			SearchURL:   cfg.Media.SearchAPIURL,
			DownloadURL: cfg.Media.SongAPIURL,
			CacheDir:    cfg.Media.CacheDir,
			Timeout:     cfg.Media.Timeout,
		})
		featureOpts.Songs = d.songs
		d.logger.Info().Msg("Song downloads enabled")
	}

	if cfg.Moderation.Enabled {
		if err := d.initModeration(&featureOpts); err != nil {
			return err
		}
	}

	d.features = whatsapp.NewFeatures(featureOpts)

	d.artifacts = pairing.NewStore(pairing.StoreOptions{
		TTL:          cfg.Lifecycle.PairingTTL,
		RenderImages: cfg.Lifecycle.QRImages,
	})
	d.seen = dedupe.New(cfg.Lifecycle.DedupeTTL, dedupeCapacity)

	clients := gateway.NewClientRegistry()
	d.events = gateway.NewEventBroadcaster(clients, zl)

	manager, err := lifecycle.NewManager(lifecycle.Options{
		Store:             store,
		Transport:         d.transport,
		Dispatcher:        d.features,
		Notifier:          d.events,
		Pairing:           d.artifacts,
		Seen:              d.seen,
		RetryDelay:        cfg.Lifecycle.RetryDelay,
		PairingTTL:        cfg.Lifecycle.PairingTTL,
		WelcomeInterval:   cfg.Lifecycle.WelcomeInterval,
		SendTimeout:       cfg.Lifecycle.SendTimeout,
		ResumeConcurrency: cfg.Lifecycle.ResumeConcurrency,
		DedupeTTL:         cfg.Lifecycle.DedupeTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create lifecycle manager: %w", err)
	}
	d.manager = manager
	d.features.BindSettings(manager)

	gwCfg := gateway.Config{
		Host:               cfg.Gateway.Host,
		Port:               cfg.Gateway.Port,
		SharedSecret:       cfg.Gateway.AdminSecret,
		AllowedOrigins:     cfg.Gateway.AllowedOrigins,
		LoginRatePerMinute: cfg.Gateway.LoginRate,
		Controller:         manager,
		Broadcaster:        d.events,
		Logger:             zl,
	}
	if d.songs != nil {
		gwCfg.Songs = d.features
	}
	server, err := gateway.NewServer(gwCfg)
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gateway = server

	if cfg.Maintenance.Enabled {
		maintenance, err := NewMaintenance(d, cfg.Maintenance.Schedule)
		if err != nil {
			return err
		}
		d.maintenance = maintenance
	}

	return nil
}

// initModeration loads the group store and builds the content filter from the configured
// keywords plus the ones admins added in groups.
func (d *Daemon) initModeration(opts *whatsapp.FeaturesOptions) error {
	cfg := d.config.Moderation
	groups, err := moderation.NewStore(moderation.StoreOptions{Dir: cfg.GroupsDir})
	if err != nil {
		return err
	}
	added, err := groups.LoadKeywords()
	if err != nil {
		d.logger.Warn().Err(err).Msg("Ignoring unreadable keyword list")
	}
	filter, err := moderation.New(moderation.FilterConfig{
		BlockedKeywords:  append(append([]string{}, cfg.BlockedKeywords...), added...),
		BlockedPatterns:  cfg.BlockedPatterns,
		AllowedLinkHosts: cfg.AllowedLinkHosts,
		FakePrefixes:     cfg.FakePrefixes,
		MaxMentions:      cfg.MaxMentions,
	})
	if err != nil {
		return fmt.Errorf("failed to create content filter: %w", err)
	}

	d.groups = groups
	opts.Groups = groups
	opts.Filter = filter
	d.logger.Info().Str("dir", cfg.GroupsDir).Int("keywords", len(filter.Keywords())).Msg("Group moderation enabled")
	return nil
}

// Start brings the daemon up: PID file, gateway, stored sessions, watcher, maintenance.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.NewRequestContext(d.ctx)
	log := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	log.Info().Msg("Starting wafleet daemon")

	if err := d.process.Acquire(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if err := d.gateway.Start(); err != nil {
		_ = d.process.Release()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	log.Info().Str("addr", fmt.Sprintf("%s:%d", d.config.Gateway.Host, d.config.Gateway.Port)).Msg("Gateway server started")

	if err := d.manager.Resume(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to resume stored sessions")
	}

	watcher, err := d.store.Watch(d.ctx, d.handleConfigEdit)
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable, hand edits need a restart")
	} else {
		d.watcher = watcher
	}

	if d.maintenance != nil {
		d.maintenance.Start()
		log.Info().Str("schedule", d.config.Maintenance.Schedule).Msg("Maintenance scheduled")
	}

	observability.RecordLifecycleAudit(ctx, "daemon:start", "system", "success", map[string]interface{}{"pid": os.Getpid()})
	log.Info().Msg("Daemon started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// handleConfigEdit refreshes the display name index after a hand edit of config.json.
func (d *Daemon) handleConfigEdit(key string) {
	identity, err := session.IdentityFromKey(key)
	if err != nil {
		return
	}
	if !d.store.Exists(key) {
		return
	}
	cfg := d.store.Load(key)
	d.manager.Registry().Index(key, identity, cfg.BotName)
	d.logger.Info().Str("session_key", key).Str("bot_name", cfg.BotName).Msg("Session config changed on disk")
}

// Stop shuts everything down in reverse order. Session configs and credentials are kept.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	ctx := tracing.NewRequestContext(context.Background())
	log := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	log.Info().Msg("Stopping wafleet daemon")

	if d.maintenance != nil {
		d.maintenance.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := d.gateway.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if err := d.manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.cancel()
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}
	d.seen.Close()

	if err := d.process.Release(); err != nil {
		log.Error().Err(err).Msg("Failed to remove PID file")
	}

	observability.RecordLifecycleAudit(ctx, "daemon:stop", "system", "success", nil)
	d.shutdownTracing()

	if err := observability.GetAuditLogger().Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close audit logger")
	}

	log.Info().Msg("Daemon stopped")
	return nil
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status represents the daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Sessions  map[string]int
}

// Status reports whether the daemon runs and how its sessions are doing.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: d.manager.Counts(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetManager returns the lifecycle manager
func (d *Daemon) GetManager() *lifecycle.Manager {
	return d.manager
}

// GetGatewayServer returns the control gateway
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gateway
}

// GetStore returns the session configuration store
func (d *Daemon) GetStore() *session.Store {
	return d.store
}

// component returns a child logger for a daemon subsystem.
func (d *Daemon) component(name string) zerolog.Logger {
	return d.logger.Component(name)
}
