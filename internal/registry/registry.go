// Package registry tracks live relay sessions by id.
//
// The registry is the only process-wide session state: adapters create and
// attach through it, the admin API lists and evicts through it, and a cron
// job sweeps idle sessions. Sessions are removed from the map as soon as
// they close, so every session the registry hands out is live.
//
// Log prefix: [registry].
package registry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/gluk-w/claworc/shell-relay/internal/logutil"
	"github.com/gluk-w/claworc/shell-relay/internal/relayerr"
	"github.com/gluk-w/claworc/shell-relay/internal/shell"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultIdleTimeout        = 30 * time.Minute
	DefaultSweepInterval      = time.Minute
	DefaultExhaustionCooldown = 10 * time.Second
)

// Config tunes a Registry.
type Config struct {
	// IdleTimeout evicts sessions without I/O for this long. Negative disables.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// MaxSessions bounds live sessions; zero means unlimited.
	MaxSessions int
	// ExhaustionCooldown is how long creates are refused after a spawn
	// failed for lack of host resources.
	ExhaustionCooldown time.Duration

	ScrollbackSize int
	Record         bool
	RecordLimit    int
	KillGrace      time.Duration
}

// Registry maps session ids to live sessions.
type Registry struct {
	cfg     Config
	spawner shell.Spawner
	sinks   []EventSink

	mu        sync.RWMutex
	sessions  map[string]*shell.Session
	pending   int
	coolUntil time.Time

	cron *cron.Cron
	now  func() time.Time
}

// New creates a registry that starts processes with sp.
func New(sp shell.Spawner, cfg Config, sinks ...EventSink) *Registry {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.ExhaustionCooldown <= 0 {
		cfg.ExhaustionCooldown = DefaultExhaustionCooldown
	}
	return &Registry{
		cfg:      cfg,
		spawner:  sp,
		sinks:    sinks,
		sessions: make(map[string]*shell.Session),
		now:      time.Now,
	}
}

// AddSink registers another event receiver. Call before Start.
func (r *Registry) AddSink(s EventSink) {
	r.sinks = append(r.sinks, s)
}

func (r *Registry) emit(ev Event) {
	for _, s := range r.sinks {
		s.SessionEvent(ev)
	}
}

// Start schedules the idle sweep.
func (r *Registry) Start() error {
	if r.cfg.IdleTimeout < 0 {
		log.Printf("[registry] idle sweep disabled")
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	spec := fmt.Sprintf("@every %s", r.cfg.SweepInterval)
	if _, err := c.AddFunc(spec, func() { r.Sweep() }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	r.cron = c
	log.Printf("[registry] idle sweep every %s (timeout %s)", r.cfg.SweepInterval, r.cfg.IdleTimeout)
	return nil
}

// reserve claims a slot for a session about to be spawned.
func (r *Registry) reserve() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now := r.now(); now.Before(r.coolUntil) {
		return fmt.Errorf("host resources exhausted, retry after %s: %w",
			r.coolUntil.Sub(now).Round(time.Second), relayerr.ErrCapacity)
	}
	if r.cfg.MaxSessions > 0 && len(r.sessions)+r.pending >= r.cfg.MaxSessions {
		return fmt.Errorf("%d sessions open: %w", r.cfg.MaxSessions, relayerr.ErrCapacity)
	}
	r.pending++
	return nil
}

// Create spawns spec and registers the new session. Nothing is inserted
// when the spawn fails.
func (r *Registry) Create(ctx context.Context, spec shell.CommandSpec, owner string) (*shell.Session, error) {
	if err := r.reserve(); err != nil {
		return nil, err
	}
	spec = spec.Normalize()

	proc, err := r.spawner.Spawn(ctx, spec)
	if err != nil {
		r.mu.Lock()
		r.pending--
		if relayerr.IsExhaustion(err) {
			r.coolUntil = r.now().Add(r.cfg.ExhaustionCooldown)
			err = fmt.Errorf("%w: %w", relayerr.ErrCapacity, err)
		}
		r.mu.Unlock()

		log.Printf("[registry] spawn %s failed: %v", logutil.SanitizeForLog(spec.String()), err)
		r.emit(Event{
			Type:     EventSpawnFailed,
			Owner:    owner,
			Backend:  spec.Backend,
			Command:  spec.String(),
			Target:   spec.Target,
			ExitCode: -1,
			Err:      err,
			Time:     r.now(),
		})
		return nil, err
	}

	s := shell.NewSession(uuid.New().String(), spec, proc, shell.Options{
		ScrollbackSize: r.cfg.ScrollbackSize,
		Record:         r.cfg.Record,
		RecordLimit:    r.cfg.RecordLimit,
		KillGrace:      r.cfg.KillGrace,
		Owner:          owner,
		OnClosed:       r.sessionClosed,
	})

	r.mu.Lock()
	r.pending--
	// A process that exits instantly may already be closed; sessionClosed
	// ran before the insert and would never remove it.
	if s.State() != shell.StateClosed {
		r.sessions[s.ID] = s
	}
	r.mu.Unlock()

	log.Printf("[registry] created session %s (%s %s, owner %s)",
		s.ID, spec.Backend, logutil.SanitizeForLog(spec.String()), logutil.SanitizeForLog(owner))
	r.emit(newEvent(EventCreated, s))
	return s, nil
}

func (r *Registry) sessionClosed(s *shell.Session) {
	r.mu.Lock()
	if r.sessions[s.ID] == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()
	r.emit(newEvent(EventClosed, s))
}

// Attach returns the live session with id, or a NotFoundError.
func (r *Registry) Attach(id string) (*shell.Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &relayerr.NotFoundError{SessionID: id}
	}
	if st := s.State(); st == shell.StateClosing || st == shell.StateClosed {
		return nil, &relayerr.NotFoundError{SessionID: id}
	}
	return s, nil
}

// Get returns the session with id, whatever its state.
func (r *Registry) Get(id string) (*shell.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns the registered sessions, oldest first.
func (r *Registry) List() []*shell.Session {
	r.mu.RLock()
	out := make([]*shell.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Evict removes the session and closes it. The close happens outside the
// registry lock and waits for the process to be gone.
func (r *Registry) Evict(id, reason string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return &relayerr.NotFoundError{SessionID: id}
	}

	r.closeEvicted(s, reason)
	return nil
}

func (r *Registry) closeEvicted(s *shell.Session, reason string) {
	log.Printf("[registry] evicting session %s (%s)", s.ID, reason)
	ev := newEvent(EventEvicted, s)
	ev.Reason = reason
	r.emit(ev)
	s.Close()
}

// Sweep evicts sessions idle longer than IdleTimeout, attached or not, and
// drops any closed stragglers. It returns the number evicted.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var idle []*shell.Session
	for id, s := range r.sessions {
		if s.State() == shell.StateClosed {
			delete(r.sessions, id)
			continue
		}
		if r.cfg.IdleTimeout > 0 && s.LastActivity().Before(cutoff) {
			delete(r.sessions, id)
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range idle {
		wg.Add(1)
		go func(s *shell.Session) {
			defer wg.Done()
			r.closeEvicted(s, ReasonIdle)
		}(s)
	}
	wg.Wait()

	if len(idle) > 0 {
		log.Printf("[registry] sweep evicted %d idle session(s)", len(idle))
	}
	return len(idle)
}

// CloseAll stops the sweep and closes every session, returning early if
// ctx ends first.
func (r *Registry) CloseAll(ctx context.Context) error {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}

	r.mu.Lock()
	all := make([]*shell.Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range all {
			wg.Add(1)
			go func(s *shell.Session) {
				defer wg.Done()
				r.closeEvicted(s, ReasonShutdown)
			}(s)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[registry] closed %d session(s)", len(all))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close sessions: %w", ctx.Err())
	}
}
