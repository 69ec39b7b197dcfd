// Package safety guards direct entity updates against write storms. Each
// update passes, in order, a result cache, hourly rate limits, loop
// detection and a relevance check before it reaches storage.
package safety

import (
	"context"
	"time"

	"crm_activity_backend/platform/config"
	"crm_activity_backend/platform/logger"
)

const (
	ScopeEntity = "entity"
	ScopeCaller = "caller"
	ScopeGlobal = "global"

	ReasonBurst   = "burst"
	ReasonSpacing = "spacing"

	rateWindow = time.Hour
)

// Limits configures the guard. A zero limit disables that check.
type Limits struct {
	CacheTTL         time.Duration
	EntityHourly     int
	CallerHourly     int
	GlobalHourly     int
	LoopBurst        int
	LoopWindow       time.Duration
	MinUpdateSpacing time.Duration
}

// LimitsFromConfig reads the guard limits from configuration.
func LimitsFromConfig(cfg config.SafetyConfig) Limits {
	return Limits{
		CacheTTL:         cfg.GetSafetyCacheTTL(),
		EntityHourly:     cfg.GetSafetyEntityHourlyLimit(),
		CallerHourly:     cfg.GetSafetyCallerHourlyLimit(),
		GlobalHourly:     cfg.GetSafetyGlobalHourlyLimit(),
		LoopBurst:        cfg.GetSafetyLoopBurst(),
		LoopWindow:       cfg.GetSafetyLoopWindow(),
		MinUpdateSpacing: cfg.GetSafetyMinUpdateSpacing(),
	}
}

// Key identifies the entity being updated and who is updating it.
type Key struct {
	TenantID string
	EntityID string
	CallerID string
}

func (k Key) entity() string { return k.TenantID + "/" + k.EntityID }
func (k Key) caller() string { return k.TenantID + "/" + k.CallerID }
func (k Key) pair() string   { return k.entity() + "|" + k.CallerID }

// Update is a pending write.
type Update interface {
	// Changed reports whether the write would alter meaningful state.
	Changed(ctx context.Context) (bool, error)
	// Apply performs the write.
	Apply(ctx context.Context) error
}

// Guard runs updates through the safety checks.
type Guard struct {
	state  State
	limits Limits
	log    *logger.Logger
	now    func() time.Time
}

// NewGuard creates a guard over state.
func NewGuard(state State, limits Limits, log *logger.Logger) *Guard {
	return &Guard{state: state, limits: limits, log: log, now: time.Now}
}

// SetClock overrides the guard's clock.
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

// Do runs u through the checks and applies it if all pass. force skips the
// cache lookup and the relevance check, never the rate limits or loop
// detection. Every outcome is cached under (entity, caller). State failures
// are logged and the affected check is skipped.
func (g *Guard) Do(ctx context.Context, key Key, force bool, u Update) Result {
	now := g.now()
	log := g.log.WithContext(ctx)

	if !force && g.limits.CacheTTL > 0 {
		cached, ok, err := g.state.CachedResult(ctx, key.pair(), now)
		if err != nil {
			log.Warn("safety cache lookup failed", "error", err)
		} else if ok {
			cached.Cached = true
			return cached
		}
	}

	result := g.evaluate(ctx, log, key, force, u, now)
	if g.limits.CacheTTL > 0 {
		if err := g.state.CacheResult(ctx, key.pair(), result, now, g.limits.CacheTTL); err != nil {
			log.Warn("safety cache write failed", "error", err)
		}
	}
	return result
}

func (g *Guard) evaluate(ctx context.Context, log *logger.Logger, key Key, force bool, u Update, now time.Time) Result {
	if scope, limited := g.rateLimited(ctx, log, key, now); limited {
		return RateLimited(scope)
	}
	if reason, looping := g.looping(ctx, log, key, now); looping {
		log.LoopDetected(key.EntityID, key.CallerID, reason)
		return LoopDetected(reason)
	}

	if !force {
		changed, err := u.Changed(ctx)
		if err != nil {
			return Failed(err)
		}
		if !changed {
			return NoChanges()
		}
	}

	if err := u.Apply(ctx); err != nil {
		return Failed(err)
	}
	if err := g.state.MarkUpdated(ctx, key.entity(), now); err != nil {
		log.Warn("safety update mark failed", "error", err)
	}
	return Updated()
}

func (g *Guard) rateLimited(ctx context.Context, log *logger.Logger, key Key, now time.Time) (string, bool) {
	checks := []struct {
		scope   string
		counter string
		limit   int
	}{
		{ScopeEntity, "entity:" + key.entity(), g.limits.EntityHourly},
		{ScopeCaller, "caller:" + key.caller(), g.limits.CallerHourly},
		{ScopeGlobal, "global", g.limits.GlobalHourly},
	}
	for _, check := range checks {
		if check.limit <= 0 {
			continue
		}
		count, err := g.state.Increment(ctx, check.counter, now, rateWindow)
		if err != nil {
			log.Warn("safety counter failed", "scope", check.scope, "error", err)
			continue
		}
		if count > check.limit {
			log.RateLimitExceeded(check.scope, check.counter)
			return check.scope, true
		}
	}
	return "", false
}

func (g *Guard) looping(ctx context.Context, log *logger.Logger, key Key, now time.Time) (string, bool) {
	if g.limits.LoopBurst > 0 && g.limits.LoopWindow > 0 {
		n, err := g.state.RecordInvocation(ctx, key.pair(), now, g.limits.LoopWindow)
		if err != nil {
			log.Warn("safety invocation record failed", "error", err)
		} else if n > g.limits.LoopBurst {
			return ReasonBurst, true
		}
	}
	if g.limits.MinUpdateSpacing > 0 {
		last, ok, err := g.state.LastUpdate(ctx, key.entity())
		if err != nil {
			log.Warn("safety last update lookup failed", "error", err)
		} else if ok && now.Sub(last) < g.limits.MinUpdateSpacing {
			return ReasonSpacing, true
		}
	}
	return "", false
}

// Sweep prunes the state if it needs pruning.
func (g *Guard) Sweep() int {
	if s, ok := g.state.(Sweeper); ok {
		return s.Sweep(g.now())
	}
	return 0
}

// RunSweeper sweeps the state every interval until ctx is done.
func (g *Guard) RunSweeper(ctx context.Context, interval time.Duration) {
	if _, ok := g.state.(Sweeper); !ok || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := g.Sweep(); removed > 0 {
				g.log.Debug("safety state swept", "removed", removed)
			}
		}
	}
}
