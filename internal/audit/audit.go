// Package audit writes session lifecycle events to the database.
//
// The Auditor is a registry.EventSink. Events are queued and written in
// batches by one goroutine so the registry never waits on sqlite; when the
// queue is full events are dropped and counted. A cron job purges rows
// older than the retention period.
//
// Log prefix: [audit].
package audit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/gluk-w/claworc/shell-relay/internal/database"
	"github.com/gluk-w/claworc/shell-relay/internal/registry"
)

const (
	queueSize = 1024
	batchSize = 64
)

// Auditor records registry events.
type Auditor struct {
	db        *gorm.DB
	retention time.Duration

	queue   chan database.AuditEvent
	done    chan struct{}
	dropped atomic.Int64

	mu      sync.Mutex
	closed  bool
	started bool
	cron    *cron.Cron
}

// New creates an Auditor on db. retentionDays <= 0 keeps events forever.
func New(db *gorm.DB, retentionDays int) *Auditor {
	return &Auditor{
		db:        db,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		queue:     make(chan database.AuditEvent, queueSize),
		done:      make(chan struct{}),
	}
}

// Start runs the writer and, with a retention period, a daily purge.
func (a *Auditor) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	a.started = true
	go a.writer()

	if a.retention <= 0 {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc("@daily", func() {
		if _, err := a.Purge(); err != nil {
			log.Printf("[audit] purge failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule audit purge: %w", err)
	}
	c.Start()
	a.cron = c

	if _, err := a.Purge(); err != nil {
		log.Printf("[audit] initial purge failed: %v", err)
	}
	return nil
}

// SessionEvent implements registry.EventSink. It never blocks.
func (a *Auditor) SessionEvent(ev registry.Event) {
	row := database.AuditEvent{
		Type:      string(ev.Type),
		SessionID: ev.SessionID,
		Owner:     ev.Owner,
		Backend:   ev.Backend,
		Command:   ev.Command,
		Target:    ev.Target,
		Reason:    ev.Reason,
		ExitCode:  ev.ExitCode,
		BytesIn:   ev.BytesIn,
		BytesOut:  ev.BytesOut,
		CreatedAt: ev.Time,
	}
	if ev.Err != nil {
		row.Error = ev.Err.Error()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- row:
	default:
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("[audit] queue full, %d event(s) dropped", n)
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (a *Auditor) Dropped() int64 {
	return a.dropped.Load()
}

func (a *Auditor) writer() {
	defer close(a.done)
	batch := make([]database.AuditEvent, 0, batchSize)
	for ev := range a.queue {
		batch = append(batch, ev)
	drain:
		for len(batch) < batchSize {
			select {
			case more, ok := <-a.queue:
				if !ok {
					break drain
				}
				batch = append(batch, more)
			default:
				break drain
			}
		}
		if err := database.InsertAuditEvents(a.db, batch); err != nil {
			log.Printf("[audit] write %d event(s): %v", len(batch), err)
		}
		batch = batch[:0]
	}
}

// Purge deletes events older than the retention period.
func (a *Auditor) Purge() (int64, error) {
	if a.retention <= 0 {
		return 0, nil
	}
	n, err := database.PurgeAuditEvents(a.db, time.Now().Add(-a.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[audit] purged %d event(s) older than %s", n, a.retention)
	}
	return n, nil
}

// Recent lists stored events, newest first.
func (a *Auditor) Recent(f database.AuditFilter) ([]database.AuditEvent, error) {
	return database.ListAuditEvents(a.db, f)
}

// Close stops the purge job and flushes queued events, giving up when ctx
// ends.
func (a *Auditor) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	started := a.started
	c := a.cron
	a.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if !started {
		return nil
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush audit events: %w", ctx.Err())
	}
}
