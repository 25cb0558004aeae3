// Package configctl implements the Config Controller (component H):
// one-shot non-reentrant config/CDN-config loaders, staleness-driven
// refresh requests, and the configExpiresAt scheduling rule from §4.H.
//
// The periodic "is the config stale" tick is grounded on this
// codebase's cron scheduler (cron/scheduler.go), which runs a tick loop
// that re-evaluates entries against a store rather than firing a
// separate timer per entry; here a single github.com/robfig/cron/v3 job
// re-evaluates requestConfigIfOld on an interval that SetBlocked swaps
// between the blocked and normal thresholds. Unlike cron/scheduler.go,
// there is no cluster leader election here — a client instance has
// exactly one process, so that half of the teacher's scheduler has no
// analogue in this domain (see DESIGN.md).
package configctl

import (
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/dcrouter/mtpcore"
	"github.com/dcrouter/mtpcore/hooks"
)

// Controller owns the one-shot config/CDN loaders and their scheduling
// state. The zero value is not usable; use New.
type Controller struct {
	loader      mtpcore.ConfigLoader
	cdnLoader   mtpcore.CDNConfigLoader
	book        mtpcore.DCBook
	settings    mtpcore.SettingsSink
	persistence mtpcore.Persistence
	hasMain     func() bool
	signals     *hooks.Registry
	cfg         mtpcore.Config
	logger      *slog.Logger
	now         func() time.Time

	mu                 sync.Mutex
	loading            bool
	cdnLoading         bool
	destroyerMode      bool
	blocked            bool
	lastConfigLoadedAt time.Time
	configExpiresAt    time.Time
	refreshTimer       *time.Timer

	cron         *cronlib.Cron
	staleEntryID cronlib.EntryID
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithDestroyerMode starts the controller with config requests
// permanently disabled, matching Key Destroyer Mode's alternate
// lifecycle (§4.I never runs config refresh).
func WithDestroyerMode() Option {
	return func(c *Controller) { c.destroyerMode = true }
}

// New creates a Controller. hasMain reports whether a main session
// currently exists, gating CDN config loads.
func New(
	loader mtpcore.ConfigLoader,
	cdnLoader mtpcore.CDNConfigLoader,
	book mtpcore.DCBook,
	settings mtpcore.SettingsSink,
	persistence mtpcore.Persistence,
	hasMain func() bool,
	signals *hooks.Registry,
	cfg mtpcore.Config,
	opts ...Option,
) *Controller {
	c := &Controller{
		loader:      loader,
		cdnLoader:   cdnLoader,
		book:        book,
		settings:    settings,
		persistence: persistence,
		hasMain:     hasMain,
		signals:     signals,
		cfg:         cfg,
		logger:      slog.Default(),
		now:         time.Now,
		cron:        cronlib.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins the periodic requestConfigIfOld tick at the threshold
// for the controller's current blocked-mode setting, and starts the
// cron driver goroutine.
func (c *Controller) Start(ctx mtpcore.Context) {
	c.rescheduleStaleTick(ctx)
	c.cron.Start()
}

// Stop halts the cron driver and cancels any pending one-shot refresh.
func (c *Controller) Stop() {
	c.cron.Stop()
	c.mu.Lock()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.mu.Unlock()
}

// SetBlocked toggles blocked mode (CAPTCHA/SMS wall), swapping the
// requestConfigIfOld staleness threshold between ConfigStaleBlocked and
// ConfigStaleNormal and re-arming the periodic tick at the new
// interval.
func (c *Controller) SetBlocked(ctx mtpcore.Context, blocked bool) {
	c.mu.Lock()
	changed := c.blocked != blocked
	c.blocked = blocked
	c.mu.Unlock()
	if changed {
		c.rescheduleStaleTick(ctx)
	}
}

func (c *Controller) rescheduleStaleTick(ctx mtpcore.Context) {
	c.mu.Lock()
	if c.staleEntryID != 0 {
		c.cron.Remove(c.staleEntryID)
	}
	threshold := c.cfg.ConfigStaleNormal
	if c.blocked {
		threshold = c.cfg.ConfigStaleBlocked
	}
	c.mu.Unlock()

	id, err := c.cron.AddFunc("@every "+threshold.String(), func() {
		c.RequestConfigIfOld(ctx)
	})
	if err != nil {
		c.logger.Error("failed to schedule stale-config tick", slog.String("error", err.Error()))
		return
	}
	c.mu.Lock()
	c.staleEntryID = id
	c.mu.Unlock()
}

// RequestConfig implements requestConfig(): if a loader is already
// active or the instance is in destroyer mode, this is a no-op.
func (c *Controller) RequestConfig(ctx mtpcore.Context) {
	c.mu.Lock()
	if c.loading || c.destroyerMode {
		c.mu.Unlock()
		return
	}
	c.loading = true
	c.mu.Unlock()

	go c.runLoad(ctx)
}

// RequestConfigIfExpired is the scheduled callback armed by
// applyResult's configExpiresAt bookkeeping; it is simply requestConfig
// under a name matching the timer's purpose.
func (c *Controller) RequestConfigIfExpired(ctx mtpcore.Context) {
	c.RequestConfig(ctx)
}

// RequestConfigIfOld implements requestConfigIfOld(): requests
// immediately if now - lastConfigLoadedAt >= T, where T depends on
// blocked mode.
func (c *Controller) RequestConfigIfOld(ctx mtpcore.Context) {
	c.mu.Lock()
	threshold := c.cfg.ConfigStaleNormal
	if c.blocked {
		threshold = c.cfg.ConfigStaleBlocked
	}
	stale := c.now().Sub(c.lastConfigLoadedAt) >= threshold
	c.mu.Unlock()

	if stale {
		c.RequestConfig(ctx)
	}
}

func (c *Controller) runLoad(ctx mtpcore.Context) {
	result, err := c.loader.Load(ctx)

	c.mu.Lock()
	c.loading = false
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("config load failed", slog.String("error", err.Error()))
		return
	}
	c.applyResult(ctx, result)
}

// applyResult implements the success branch of requestConfig(): it
// updates the DC book, applies scalar settings, emits account-updated,
// persists, and re-arms the one-shot expiry timer.
func (c *Controller) applyResult(ctx mtpcore.Context, result mtpcore.ConfigResult) {
	if len(result.DCs) == 0 {
		c.logger.Warn("config returned empty dc list, not applied")
	} else {
		c.book.SetFromList(result.DCs)
	}

	for name, value := range result.ScalarSettings {
		c.settings.ApplySetting(name, value)
	}

	if c.signals != nil {
		c.signals.EmitAccountUpdated()
	}

	if c.persistence != nil {
		if err := c.persistence.WriteSettings(ctx); err != nil {
			c.logger.Error("persist settings failed", slog.String("error", err.Error()))
		}
	}

	now := c.now()
	expiresAt := now.Add(time.Duration(result.ExpiresUnixSec-result.ServerUnixSec) * time.Second)

	c.mu.Lock()
	c.lastConfigLoadedAt = now
	c.configExpiresAt = expiresAt
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	delay := expiresAt.Sub(now)
	if delay > c.cfg.ConfigRefreshCeiling {
		delay = c.cfg.ConfigRefreshCeiling
	}
	if delay < 0 {
		delay = 0
	}
	c.refreshTimer = time.AfterFunc(delay, func() { c.RequestConfigIfExpired(ctx) })
	c.mu.Unlock()
}

// RequestCDNConfig implements the CDN config gating from §12: at most
// one request in flight, and only while a main session exists.
func (c *Controller) RequestCDNConfig(ctx mtpcore.Context) {
	if c.cdnLoader == nil || c.hasMain == nil || !c.hasMain() {
		return
	}
	c.mu.Lock()
	if c.cdnLoading {
		c.mu.Unlock()
		return
	}
	c.cdnLoading = true
	c.mu.Unlock()

	go func() {
		data, err := c.cdnLoader.Load(ctx)
		c.mu.Lock()
		c.cdnLoading = false
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("cdn config load failed", slog.String("error", err.Error()))
			return
		}
		c.book.SetCDNConfig(data)
	}()
}

// ConfigExpiresAt returns the last computed expiry, for tests and
// diagnostics.
func (c *Controller) ConfigExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configExpiresAt
}
