// Package metrics keeps in-process relay counters for the admin API.
//
// A nil *Collector is valid and records nothing, so components can take
// one unconditionally.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"

	"github.com/gluk-w/claworc/shell-relay/internal/registry"
)

// Collector accumulates counters. It is a registry.EventSink.
type Collector struct {
	startedAt time.Time

	connTotal  atomic.Int64
	connActive atomic.Int64

	sessionsCreated atomic.Int64
	sessionsClosed  atomic.Int64
	sessionsEvicted atomic.Int64
	spawnFailures   atomic.Int64

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	mu           sync.Mutex
	byTransport  map[string]int64
	errorsByCode map[string]int64
	evictReasons map[string]int64
}

// New returns a Collector whose uptime starts now.
func New() *Collector {
	return &Collector{
		startedAt:    time.Now(),
		byTransport:  make(map[string]int64),
		errorsByCode: make(map[string]int64),
		evictReasons: make(map[string]int64),
	}
}

// ConnOpened counts a new client connection on transport.
func (c *Collector) ConnOpened(transport string) {
	if c == nil {
		return
	}
	c.connTotal.Add(1)
	c.connActive.Add(1)
	c.mu.Lock()
	c.byTransport[transport]++
	c.mu.Unlock()
}

// ConnClosed counts a finished client connection.
func (c *Collector) ConnClosed() {
	if c == nil {
		return
	}
	c.connActive.Add(-1)
}

// BytesIn counts client bytes written to sessions.
func (c *Collector) BytesIn(n int) {
	if c == nil {
		return
	}
	c.bytesIn.Add(int64(n))
}

// BytesOut counts session bytes sent to clients.
func (c *Collector) BytesOut(n int) {
	if c == nil {
		return
	}
	c.bytesOut.Add(int64(n))
}

// Error counts an error reported to a client by wire code.
func (c *Collector) Error(code string) {
	if c == nil || code == "" {
		return
	}
	c.mu.Lock()
	c.errorsByCode[code]++
	c.mu.Unlock()
}

// SessionEvent implements registry.EventSink.
func (c *Collector) SessionEvent(ev registry.Event) {
	if c == nil {
		return
	}
	switch ev.Type {
	case registry.EventCreated:
		c.sessionsCreated.Add(1)
	case registry.EventClosed:
		c.sessionsClosed.Add(1)
	case registry.EventSpawnFailed:
		c.spawnFailures.Add(1)
	case registry.EventEvicted:
		c.sessionsEvicted.Add(1)
		c.mu.Lock()
		c.evictReasons[ev.Reason]++
		c.mu.Unlock()
	}
}

// Snapshot is the JSON view served by the admin API.
type Snapshot struct {
	Uptime            string           `json:"uptime"`
	UptimeSeconds     int64            `json:"uptime_seconds"`
	ConnectionsTotal  int64            `json:"connections_total"`
	ConnectionsActive int64            `json:"connections_active"`
	ConnectionsByType map[string]int64 `json:"connections_by_transport"`
	SessionsLive      int              `json:"sessions_live"`
	SessionsCreated   int64            `json:"sessions_created"`
	SessionsClosed    int64            `json:"sessions_closed"`
	SessionsEvicted   int64            `json:"sessions_evicted"`
	EvictionReasons   map[string]int64 `json:"eviction_reasons"`
	SpawnFailures     int64            `json:"spawn_failures"`
	BytesIn           int64            `json:"bytes_in"`
	BytesOut          int64            `json:"bytes_out"`
	BytesInHuman      string           `json:"bytes_in_human"`
	BytesOutHuman     string           `json:"bytes_out_human"`
	Errors            map[string]int64 `json:"errors"`
	ErrorCodes        []string         `json:"error_codes"`
}

// Snapshot copies the counters. live is the registry's current count.
func (c *Collector) Snapshot(live int) Snapshot {
	if c == nil {
		return Snapshot{SessionsLive: live}
	}
	up := time.Since(c.startedAt)
	s := Snapshot{
		Uptime:            units.HumanDuration(up),
		UptimeSeconds:     int64(up.Seconds()),
		ConnectionsTotal:  c.connTotal.Load(),
		ConnectionsActive: c.connActive.Load(),
		SessionsLive:      live,
		SessionsCreated:   c.sessionsCreated.Load(),
		SessionsClosed:    c.sessionsClosed.Load(),
		SessionsEvicted:   c.sessionsEvicted.Load(),
		SpawnFailures:     c.spawnFailures.Load(),
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
	}
	s.BytesInHuman = units.HumanSize(float64(s.BytesIn))
	s.BytesOutHuman = units.HumanSize(float64(s.BytesOut))

	c.mu.Lock()
	s.ConnectionsByType = copyCounts(c.byTransport)
	s.EvictionReasons = copyCounts(c.evictReasons)
	s.Errors = copyCounts(c.errorsByCode)
	c.mu.Unlock()

	s.ErrorCodes = make([]string, 0, len(s.Errors))
	for code := range s.Errors {
		s.ErrorCodes = append(s.ErrorCodes, code)
	}
	sort.Strings(s.ErrorCodes)
	return s
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
