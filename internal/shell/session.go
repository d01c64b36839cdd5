package shell

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/claworc/shell-relay/internal/relayerr"
)

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	StateStarting SessionState = "starting"
	StateActive   SessionState = "active"
	StateClosing  SessionState = "closing"
	StateClosed   SessionState = "closed"
)

// DefaultKillGrace is how long a process gets between SIGTERM and SIGKILL.
const DefaultKillGrace = 2 * time.Second

const readChunkSize = 32 * 1024

// Options tune a Session.
type Options struct {
	// ScrollbackSize bounds the replay buffer; <= 0 uses DefaultScrollbackSize.
	ScrollbackSize int
	// Record enables I/O recording.
	Record bool
	// RecordLimit caps recorded events; <= 0 means unlimited.
	RecordLimit int
	// KillGrace is the SIGTERM→SIGKILL delay; <= 0 uses DefaultKillGrace.
	KillGrace time.Duration
	// Owner is the principal that created the session.
	Owner string
	// OnClosed runs once, after the session reaches StateClosed.
	OnClosed func(*Session)
}

// Session is one interactive process and its byte streams.
type Session struct {
	ID        string
	Spec      CommandSpec
	Owner     string
	CreatedAt time.Time

	Scrollback *ScrollbackBuffer
	// Recording is nil unless recording is enabled.
	Recording *Recording

	proc      Process
	killGrace time.Duration
	onClosed  func(*Session)

	writeMu sync.Mutex

	mu           sync.Mutex
	state        SessionState
	lastActivity time.Time
	closedAt     time.Time
	attachment   *Attachment
	outputDone   bool
	exitCode     int

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	exited   chan struct{}
	pumpDone chan struct{}
	done     chan struct{}
}

// NewSession takes ownership of proc and starts relaying its output.
func NewSession(id string, spec CommandSpec, proc Process, opts Options) *Session {
	grace := opts.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	now := time.Now()
	s := &Session{
		ID:           id,
		Spec:         spec,
		Owner:        opts.Owner,
		CreatedAt:    now,
		Scrollback:   NewScrollbackBuffer(opts.ScrollbackSize),
		proc:         proc,
		killGrace:    grace,
		onClosed:     opts.OnClosed,
		state:        StateStarting,
		lastActivity: now,
		exitCode:     -1,
		exited:       make(chan struct{}),
		pumpDone:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	if opts.Record {
		s.Recording = NewRecording(opts.RecordLimit)
	}

	go s.waitExit()
	go s.pumpOutput()
	go s.finish()

	s.mu.Lock()
	if s.state == StateStarting {
		s.state = StateActive
	}
	s.mu.Unlock()

	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last read or write.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// IdleFor returns how long the session has had no I/O as of now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}

// IsAttached reports whether an adapter currently holds the output stream.
func (s *Session) IsAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachment != nil
}

// ExitCode returns the process exit code once the session is closed.
func (s *Session) ExitCode() (int, bool) {
	select {
	case <-s.exited:
	default:
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, true
}

// Done is closed when the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Bytes returns the totals written to stdin and read from output.
func (s *Session) Bytes() (in, out int64) {
	return s.bytesIn.Load(), s.bytesOut.Load()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Write forwards p to the process input. It blocks while the process is
// not consuming input. A failed write moves the session to Closing.
func (s *Session) Write(p []byte) (int, error) {
	if st := s.State(); st != StateActive {
		return 0, &relayerr.ClosedError{SessionID: s.ID, Op: "write"}
	}

	s.writeMu.Lock()
	n, err := s.proc.Stdin().Write(p)
	s.writeMu.Unlock()

	if n > 0 {
		s.bytesIn.Add(int64(n))
		s.Recording.RecordInput(p[:n])
		s.touch()
	}
	if err != nil {
		if s.markClosing() {
			log.Printf("[shell] session %s stdin write failed, closing: %v", s.ID, err)
			go s.terminate()
		}
		return n, &relayerr.IOError{SessionID: s.ID, Op: "write", Err: err}
	}
	return n, nil
}

// Resize changes the terminal size of a PTY-backed session.
func (s *Session) Resize(cols, rows uint16) error {
	if st := s.State(); st != StateActive {
		return &relayerr.ClosedError{SessionID: s.ID, Op: "resize"}
	}
	cols, rows = ClampSize(cols, rows)
	return s.proc.Resize(cols, rows)
}

// Attach subscribes to the session's output. Only bytes produced after
// the call are delivered; see AttachWithHistory for replay.
func (s *Session) Attach() (*Attachment, error) {
	a, _, err := s.attach(false)
	return a, err
}

// AttachWithHistory subscribes and also returns the scrollback as of the
// moment of attachment. Every output byte lands in exactly one of the two.
func (s *Session) AttachWithHistory() (*Attachment, []byte, error) {
	return s.attach(true)
}

func (s *Session) attach(history bool) (*Attachment, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive || s.outputDone {
		return nil, nil, &relayerr.ClosedError{SessionID: s.ID, Op: "attach"}
	}
	if s.attachment != nil {
		return nil, nil, fmt.Errorf("session %s: %w", s.ID, relayerr.ErrBusy)
	}

	a := &Attachment{
		session:  s,
		ch:       make(chan []byte),
		detached: make(chan struct{}),
	}
	s.attachment = a

	var snapshot []byte
	if history {
		snapshot = s.Scrollback.Snapshot()
	}
	return a, snapshot, nil
}

// Close terminates the process and releases its streams. It is idempotent
// and waits (bounded) for the session to reach StateClosed.
func (s *Session) Close() {
	if s.markClosing() {
		s.terminate()
	}

	wait := 2*s.killGrace + time.Second
	select {
	case <-s.done:
	case <-time.After(wait):
		log.Printf("[shell] session %s did not finish closing within %s", s.ID, wait)
	}
}

// markClosing moves Starting/Active to Closing. It reports whether this
// call made the transition.
func (s *Session) markClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return false
	}
	s.state = StateClosing
	return true
}

func (s *Session) terminate() {
	s.proc.Terminate(s.killGrace)
	s.Scrollback.Close()
}

func (s *Session) waitExit() {
	code, err := s.proc.Wait()
	if err != nil {
		log.Printf("[shell] session %s wait: %v", s.ID, err)
	}
	s.mu.Lock()
	s.exitCode = code
	s.mu.Unlock()
	close(s.exited)
}

// pumpOutput is the only goroutine that reads process output and the only
// one that sends on or closes attachment channels.
func (s *Session) pumpOutput() {
	defer close(s.pumpDone)

	out := s.proc.Stdout()
	buf := make([]byte, readChunkSize)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.bytesOut.Add(int64(n))
			s.Recording.RecordOutput(data)

			s.mu.Lock()
			s.lastActivity = time.Now()
			s.Scrollback.Write(data)
			a := s.attachment
			s.mu.Unlock()

			if a != nil {
				select {
				case a.ch <- data:
				case <-a.detached:
				}
			}
		}
		if err != nil {
			break
		}
	}

	s.mu.Lock()
	s.outputDone = true
	if a := s.attachment; a != nil {
		close(a.ch)
		s.attachment = nil
	}
	s.mu.Unlock()
}

// finish drives Closing → Closed once both the process and the output
// pump are done, forcing stream release when one side lingers.
func (s *Session) finish() {
	select {
	case <-s.pumpDone:
		s.markClosing()
		select {
		case <-s.exited:
		case <-time.After(s.killGrace):
			s.terminate()
			<-s.exited
		}
	case <-s.exited:
		s.markClosing()
		select {
		case <-s.pumpDone:
		case <-time.After(s.killGrace):
			// A descendant still holds the output pipe open.
			s.proc.Terminate(0)
			<-s.pumpDone
		}
	}
	s.Scrollback.Close()

	s.mu.Lock()
	s.state = StateClosed
	s.closedAt = time.Now()
	s.mu.Unlock()
	close(s.done)

	code, _ := s.ExitCode()
	log.Printf("[shell] session %s closed (exit %d)", s.ID, code)
	if s.onClosed != nil {
		s.onClosed(s)
	}
}

// Info is a point-in-time view of a session for listings.
type Info struct {
	ID           string       `json:"id"`
	Backend      string       `json:"backend"`
	Command      string       `json:"command"`
	Target       string       `json:"target,omitempty"`
	Owner        string       `json:"owner,omitempty"`
	State        SessionState `json:"state"`
	Attached     bool         `json:"attached"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
	ClosedAt     *time.Time   `json:"closed_at,omitempty"`
	BytesIn      int64        `json:"bytes_in"`
	BytesOut     int64        `json:"bytes_out"`
	ExitCode     *int         `json:"exit_code,omitempty"`
	Recording    bool         `json:"recording"`
}

// Info snapshots the session.
func (s *Session) Info() Info {
	in, out := s.Bytes()
	info := Info{
		ID:        s.ID,
		Backend:   s.Spec.Backend,
		Command:   s.Spec.String(),
		Target:    s.Spec.Target,
		Owner:     s.Owner,
		CreatedAt: s.CreatedAt,
		BytesIn:   in,
		BytesOut:  out,
		Recording: s.Recording != nil,
	}
	if code, ok := s.ExitCode(); ok {
		info.ExitCode = &code
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	info.State = s.state
	info.Attached = s.attachment != nil
	info.LastActivity = s.lastActivity
	if !s.closedAt.IsZero() {
		closed := s.closedAt
		info.ClosedAt = &closed
	}
	return info
}

// Attachment is an exclusive subscription to a session's output.
type Attachment struct {
	session  *Session
	ch       chan []byte
	detached chan struct{}
	once     sync.Once
}

// Output yields output chunks in order. It is closed when the process
// output ends; it is never closed after Detach.
func (a *Attachment) Output() <-chan []byte {
	return a.ch
}

// Detached is closed once Detach has been called.
func (a *Attachment) Detached() <-chan struct{} {
	return a.detached
}

// Session returns the attached session.
func (a *Attachment) Session() *Session {
	return a.session
}

// Detach releases the subscription; the session keeps running.
func (a *Attachment) Detach() {
	a.once.Do(func() {
		close(a.detached)
		s := a.session
		s.mu.Lock()
		if s.attachment == a {
			s.attachment = nil
		}
		s.mu.Unlock()
	})
}
