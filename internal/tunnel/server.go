package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"gx-tunnel/internal/usage"
	"gx-tunnel/internal/usermgmt"
)

// Authorizer admits and releases tunnel sessions.
type Authorizer interface {
	Admit(username, password string) usermgmt.Verdict
	Release(username string) int
}

// Recorder persists the accounting of finished sessions.
type Recorder interface {
	Record(e usage.Entry) error
}

// Options configures a Server. Zero values select the defaults.
type Options struct {
	// DefaultTarget is dialed when the handshake names no host. Empty disables the fallback.
	DefaultTarget    string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	PollInterval     time.Duration
	// IdleLimit is the number of idle poll intervals after which a relay ends.
	IdleLimit int
	// AcceptRate limits accepted connections per second; zero means unlimited.
	AcceptRate float64
	// LegacyHandshake selects LegacyUpgradeResponse as the success reply.
	LegacyHandshake bool
}

func (o *Options) setDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.IdleLimit <= 0 {
		o.IdleLimit = DefaultIdleLimit
	}
}

// Stats is a snapshot of listener counters.
type Stats struct {
	Active  int       `json:"active_connections"`
	Total   uint64    `json:"total_connections"`
	UpSince time.Time `json:"up_since"`
	// Rate is connections per minute since start.
	Rate float64 `json:"connections_per_minute"`
}

// Server accepts tunnel connections and tracks the sessions serving them.
type Server struct {
	opts    Options
	users   Authorizer
	ledger  Recorder
	metrics *Metrics
	events  *eventRing
	limiter *rate.Limiter
	dialer  *net.Dialer

	mu        sync.Mutex
	ln        net.Listener
	started   bool
	stopped   bool
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc

	conns       sync.Map       // map[*Session]struct{}
	activeCount int32          // atomic
	total       uint64         // atomic
	wg          sync.WaitGroup // live sessions

	acceptDone chan struct{}
	acceptErr  error
}

// NewServer creates a Server. ledger may be nil to disable usage accounting.
func NewServer(users Authorizer, ledger Recorder, opts Options) *Server {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:       opts,
		users:      users,
		ledger:     ledger,
		metrics:    NewMetrics(),
		events:     newEventRing(MaxEvents),
		dialer:     &net.Dialer{Timeout: opts.DialTimeout},
		ctx:        ctx,
		cancel:     cancel,
		acceptDone: make(chan struct{}),
	}
	if opts.AcceptRate > 0 {
		burst := int(opts.AcceptRate)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.AcceptRate), burst)
	}
	return s
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start binds bindAddress:port and begins accepting connections in the background.
//
// The listener is bound synchronously, so a bind failure is returned before any
// connection is served. Each accepted connection gets its own Session goroutine,
// paced by the accept limiter when Options.AcceptRate is set. Use Wait to block
// until the accept loop ends and Stop to shut the server down.
//
// Parameters:
//   - bindAddress: The address to listen on (e.g., "0.0.0.0").
//   - port: The TCP port to listen on; 0 picks a free port, reported by Addr.
//
// Returns:
//   - error: Non-nil if the server was already started or the bind failed.
func (s *Server) Start(bindAddress string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}

	addr := net.JoinHostPort(bindAddress, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.ln = ln
	s.started = true
	s.startTime = time.Now()
	log.Infof("GX Tunnel listening on %s", ln.Addr())

	go s.serve(ln)
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Wait blocks until the accept loop ends. It returns the accept error that
// stopped the loop, or nil after Stop. Wait must only be called after a
// successful Start.
func (s *Server) Wait() error {
	<-s.acceptDone
	return s.acceptErr
}

// Stop stops accepting, force-closes every live session and returns once all
// sessions have finished their teardown accounting.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	ln := s.ln
	s.mu.Unlock()

	s.cancel()
	ln.Close()
	<-s.acceptDone

	log.Info("Closing all active connections...")
	s.conns.Range(func(key, value any) bool {
		if sess, ok := key.(*Session); ok {
			sess.Close()
		}
		return true
	})
	s.wg.Wait()
	log.Info("All sessions closed.")
}

// serve accepts connections until the listener is closed and spawns a session for each.
func (s *Server) serve(ln net.Listener) {
	defer close(s.acceptDone)
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.WithError(err).Error("Accept failed, listener stopped")
			s.acceptErr = fmt.Errorf("accept: %w", err)
			return
		}

		sess := newSession(s, conn)
		s.add(sess)
		go sess.Handle()
	}
}

// add registers a new session in the live set.
func (s *Server) add(sess *Session) {
	s.conns.Store(sess, struct{}{})
	s.wg.Add(1)
	active := atomic.AddInt32(&s.activeCount, 1)
	atomic.AddUint64(&s.total, 1)
	s.metrics.sessionOpened()
	s.events.add(Event{
		Time:   time.Now(),
		Client: sess.clientAddr,
		Target: UnknownTarget,
		Type:   EventNew,
	})
	sess.log.Debugf("Connection added. Active: %d", active)
}

// remove unregisters a session after its teardown.
func (s *Server) remove(sess *Session, target string, d time.Duration) {
	if _, loaded := s.conns.LoadAndDelete(sess); !loaded {
		return
	}
	active := atomic.AddInt32(&s.activeCount, -1)
	s.metrics.sessionClosed(d)
	if target == "" {
		target = UnknownTarget
	}
	s.events.add(Event{
		Time:     time.Now(),
		Client:   sess.clientAddr,
		Target:   target,
		Type:     EventClose,
		Duration: d.Seconds(),
	})
	sess.log.Debugf("Connection removed. Active: %d", active)
	s.wg.Done()
}

// Stats returns a snapshot of the listener counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	upSince := s.startTime
	s.mu.Unlock()

	st := Stats{
		Active:  int(atomic.LoadInt32(&s.activeCount)),
		Total:   atomic.LoadUint64(&s.total),
		UpSince: upSince,
	}
	if !upSince.IsZero() {
		if elapsed := time.Since(upSince).Seconds(); elapsed > 0 {
			st.Rate = float64(st.Total) / (elapsed / 60)
		}
	}
	return st
}

// RecentEvents returns up to n of the latest connection events, oldest first.
func (s *Server) RecentEvents(n int) []Event {
	return s.events.recent(n)
}

// LogStats writes the periodic statistics line.
func (s *Server) LogStats() {
	st := s.Stats()
	log.Infof("Stats - Active: %d, Total: %d, Rate: %.2f/min", st.Active, st.Total, st.Rate)
}

func (s *Server) upgradeResponse() string {
	if s.opts.LegacyHandshake {
		return LegacyUpgradeResponse
	}
	return WebSocketUpgradeResponse
}

func (s *Server) dial(addr string) (net.Conn, error) {
	return s.dialer.DialContext(s.ctx, "tcp", addr)
}
