package tunnel

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"gx-tunnel/internal/usage"
)

// State is the lifecycle stage of a Session.
type State int32

const (
	AwaitingHandshake State = iota
	Authenticating
	DialingTarget
	Relaying
	Closed
)

func (st State) String() string {
	switch st {
	case AwaitingHandshake:
		return "awaiting_handshake"
	case Authenticating:
		return "authenticating"
	case DialingTarget:
		return "dialing_target"
	case Relaying:
		return "relaying"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Session manages a single client connection from handshake to teardown.
//
// The client and target connections are closed by Close, which may be called
// from any goroutine; all other fields belong to the goroutine running Handle.
type Session struct {
	id         string
	server     *Server
	client     net.Conn
	clientAddr string
	clientIP   string
	start      time.Time
	log        *log.Entry

	state atomic.Int32

	mu     sync.Mutex
	target net.Conn
	closed bool

	username   string
	admitted   bool
	targetAddr string
	download   uint64
	upload     uint64
}

func newSession(s *Server, conn net.Conn) *Session {
	id := uuid.NewString()
	addr := conn.RemoteAddr().String()
	return &Session{
		id:         id,
		server:     s,
		client:     conn,
		clientAddr: addr,
		clientIP:   clientIP(conn.RemoteAddr()),
		start:      time.Now(),
		log:        log.WithFields(log.Fields{"session": id, "client": addr}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Close closes the client and target connections. It is idempotent and safe to
// call concurrently with Handle; blocked reads and writes return promptly.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.client.Close()
	if s.target != nil {
		s.target.Close()
	}
}

// setTarget attaches the dialed connection. It returns false, closing conn, when
// the session was closed while dialing.
func (s *Session) setTarget(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return false
	}
	s.target = conn
	return true
}

func (s *Session) reply(response string) error {
	return writeFull(s.client, []byte(response))
}

// Handle runs the session until it closes.
func (s *Session) Handle() {
	defer s.finish()
	s.log.Info("New connection opened")
	s.setState(AwaitingHandshake)

	// Set a read deadline to avoid hanging connections.
	s.client.SetReadDeadline(time.Now().Add(s.server.opts.HandshakeTimeout))
	buf := make([]byte, HandshakeBufferSize)
	n, err := s.client.Read(buf)
	if n == 0 {
		if err != nil && !isIgnorableError(err) {
			s.log.WithError(err).Debug("Handshake read failed")
		}
		return
	}
	s.client.SetReadDeadline(time.Time{})
	head := string(buf[:n])
	s.log.Debugf("Request: %s", requestLine(head))

	username := HeaderValue(head, "X-Username")
	password := HeaderValue(head, "X-Password")
	if username == "" || password == "" {
		s.log.Warn("No credentials provided")
		s.server.metrics.authFailed("credentials_required")
		s.reply(ResponseCredentialsRequired)
		return
	}

	s.setState(Authenticating)
	verdict := s.server.users.Admit(username, password)
	if !verdict.OK() {
		s.log.WithField("user", username).Warnf("Authentication failed: %s", verdict.Reason())
		s.server.metrics.authFailed(verdict.Code.String())
		s.reply(ResponseUnauthorized + verdict.Reason())
		return
	}
	s.username = username
	s.admitted = true
	s.log = s.log.WithField("user", username)
	s.log.Info("User authenticated")

	hostPort := HeaderValue(head, "X-Real-Host")
	if hostPort == "" {
		hostPort = HeaderValue(head, "Host")
	}
	if hostPort == "" {
		hostPort = s.server.opts.DefaultTarget
	}
	if hostPort == "" {
		s.log.Warn("No target host")
		s.reply(ResponseNoTargetHost)
		return
	}

	s.setState(DialingTarget)
	addr, err := ParseTarget(hostPort)
	if err != nil {
		s.log.WithError(err).Error("Invalid target")
		s.reply(ResponseTunnelError)
		return
	}
	s.targetAddr = addr

	target, err := s.server.dial(addr)
	if err != nil {
		s.log.WithError(err).Errorf("Failed to connect to target %s", addr)
		s.reply(ResponseTunnelError)
		return
	}
	if !s.setTarget(target) {
		return
	}
	s.log.Infof("Connected to target %s", addr)

	if err := s.reply(s.server.upgradeResponse()); err != nil {
		s.log.WithError(err).Debug("Failed to write upgrade response")
		return
	}

	s.setState(Relaying)
	s.relay(target)
}

// finish closes the connections, settles the accounting and unregisters the session.
func (s *Session) finish() {
	s.Close()
	endedIn := s.State()
	s.setState(Closed)
	duration := time.Since(s.start)

	if s.admitted {
		s.server.users.Release(s.username)
		if s.server.ledger != nil {
			err := s.server.ledger.Record(usage.Entry{
				ID:       s.id,
				Username: s.username,
				ClientIP: s.clientIP,
				Start:    s.start,
				Duration: duration,
				Download: s.download,
				Upload:   s.upload,
			})
			if err != nil {
				s.log.WithError(err).Error("Failed to record usage")
			}
		}
		s.log.WithFields(log.Fields{
			"stage":    endedIn,
			"duration": duration.Round(10 * time.Millisecond),
			"download": s.download,
			"upload":   s.upload,
		}).Info("Connection closed")
	} else {
		s.log.WithFields(log.Fields{
			"stage":    endedIn,
			"duration": duration.Round(10 * time.Millisecond),
		}).Info("Connection closed")
	}

	s.server.remove(s, s.targetAddr, duration)
}
