package tunnel

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gx-tunnel/internal/usage"
	"gx-tunnel/internal/usermgmt"
)

type fixture struct {
	srv    *Server
	users  *usermgmt.Directory
	ledger *usage.Ledger
	addr   string
}

func newFixture(t *testing.T, opts Options, users ...usermgmt.User) *fixture {
	t.Helper()
	dir := t.TempDir()

	db, err := usermgmt.Open(filepath.Join(dir, "users.json"), nil)
	if err != nil {
		t.Fatalf("usermgmt.Open() error = %v", err)
	}
	for _, u := range users {
		if err := db.AddUser(u); err != nil {
			t.Fatalf("AddUser(%s) error = %v", u.Username, err)
		}
	}

	ledger, err := usage.Open(filepath.Join(dir, "statistics.db"))
	if err != nil {
		t.Fatalf("usage.Open() error = %v", err)
	}

	srv := NewServer(db, ledger, opts)
	if err := srv.Start("127.0.0.1", 0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
		ledger.Close()
	})
	return &fixture{srv: srv, users: db, ledger: ledger, addr: srv.Addr().String()}
}

func activeUser(name, password string, limit int) usermgmt.User {
	return usermgmt.User{Username: name, Password: password, MaxConnections: limit, Active: true}
}

// dialTunnel connects to the tunnel and sends the handshake lines.
func dialTunnel(t *testing.T, addr string, lines ...string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	head := "GET / HTTP/1.1\r\n" + strings.Join(lines, "\r\n") + "\r\n\r\n"
	if _, err := conn.Write([]byte(head)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	return conn
}

// expectUpgrade reads exactly the success response.
func expectUpgrade(t *testing.T, conn net.Conn, want string) {
	t.Helper()
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read upgrade response: %v", err)
	}
	if string(buf) != want {
		t.Fatalf("upgrade response = %q, want %q", buf, want)
	}
}

// holdTarget accepts connections and keeps them open, discarding input.
func holdTarget(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			go io.Copy(io.Discard, c)
		}
	}()
	return ln.Addr().String()
}

func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandshakeRejections(t *testing.T) {
	f := newFixture(t, Options{},
		activeUser("alice", "p1", 5),
		usermgmt.User{Username: "carol", Password: "p3", Active: false},
	)
	refused := closedPort(t)

	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{
			name:  "no credentials",
			lines: []string{"Host: 127.0.0.1"},
			want:  ResponseCredentialsRequired,
		},
		{
			name:  "password only",
			lines: []string{"X-Password: p1"},
			want:  ResponseCredentialsRequired,
		},
		{
			name:  "header names are case-sensitive",
			lines: []string{"x-username: alice", "x-password: p1"},
			want:  ResponseCredentialsRequired,
		},
		{
			name:  "unknown user",
			lines: []string{"X-Username: mallory", "X-Password: x"},
			want:  ResponseUnauthorized + "User not found",
		},
		{
			name:  "wrong password",
			lines: []string{"X-Username: alice", "X-Password: P1"},
			want:  ResponseUnauthorized + "Invalid password",
		},
		{
			name:  "disabled account",
			lines: []string{"X-Username: carol", "X-Password: p3"},
			want:  ResponseUnauthorized + "Account disabled",
		},
		{
			name:  "no target host",
			lines: []string{"X-Username: alice", "X-Password: p1"},
			want:  ResponseNoTargetHost,
		},
		{
			name:  "dial failure",
			lines: []string{"X-Username: alice", "X-Password: p1", "X-Real-Host: " + refused},
			want:  ResponseTunnelError,
		},
		{
			name:  "invalid port",
			lines: []string{"X-Username: alice", "X-Password: p1", "Host: 127.0.0.1:notaport"},
			want:  ResponseTunnelError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dialTunnel(t, f.addr, tt.lines...)
			got, err := io.ReadAll(conn)
			if err != nil {
				t.Fatalf("read response: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("response = %q, want %q", got, tt.want)
			}
		})
	}

	waitFor(t, "sessions to close", func() bool { return f.srv.Stats().Active == 0 })
	if n := f.users.Sessions().Count("alice"); n != 0 {
		t.Errorf("alice open sessions = %d, want 0", n)
	}

	// Each session that passed authentication leaves exactly one row.
	rows, err := f.ledger.RecentConnections(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Errorf("ledger rows = %d, want 3", len(rows))
	}
	if got := f.srv.Stats().Total; got != uint64(len(tests)) {
		t.Errorf("Stats().Total = %d, want %d", got, len(tests))
	}
}

func TestRelayByteAccounting(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	upload := bytes.Repeat([]byte("u"), 3000)
	download := bytes.Repeat([]byte("d"), 10000)
	received := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, len(upload))
		io.ReadFull(c, buf)
		received <- buf
		c.Write(download)
	}()

	f := newFixture(t, Options{}, activeUser("alice", "p1", 1))
	conn := dialTunnel(t, f.addr, "X-Username: alice", "X-Password: p1", "X-Real-Host: "+ln.Addr().String())
	expectUpgrade(t, conn, WebSocketUpgradeResponse)

	if _, err := conn.Write(upload); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if !bytes.Equal(got, download) {
		t.Fatalf("download = %d bytes, want %d", len(got), len(download))
	}
	if !bytes.Equal(<-received, upload) {
		t.Fatal("target received wrong upload bytes")
	}

	waitFor(t, "session to close", func() bool { return f.srv.Stats().Active == 0 })

	stats, ok, err := f.ledger.UserStats("alice")
	if err != nil || !ok {
		t.Fatalf("UserStats() ok=%v err=%v", ok, err)
	}
	if stats.Connections != 1 || stats.DownloadBytes != 10000 || stats.UploadBytes != 3000 {
		t.Errorf("UserStats() = %+v, want 1 connection, 10000 down, 3000 up", stats)
	}
	rows, _ := f.ledger.RecentConnections(10)
	if len(rows) != 1 || rows[0].Duration < 0 || rows[0].ClientIP != "127.0.0.1" {
		t.Errorf("connection log = %+v", rows)
	}
	if n := f.users.Sessions().Count("alice"); n != 0 {
		t.Errorf("alice open sessions = %d, want 0", n)
	}

	events := f.srv.RecentEvents(10)
	if len(events) != 2 || events[0].Type != EventNew || events[1].Type != EventClose {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Target != UnknownTarget || events[1].Target != ln.Addr().String() {
		t.Errorf("event targets = %q, %q", events[0].Target, events[1].Target)
	}
}

func TestConcurrencyLimitAcrossSessions(t *testing.T) {
	target := holdTarget(t)
	f := newFixture(t, Options{DefaultTarget: target}, activeUser("alice", "p1", 1))

	first := dialTunnel(t, f.addr, "X-Username: alice", "X-Password: p1")
	expectUpgrade(t, first, WebSocketUpgradeResponse)

	second := dialTunnel(t, f.addr, "X-Username: alice", "X-Password: p1")
	got, err := io.ReadAll(second)
	if err != nil {
		t.Fatal(err)
	}
	if want := ResponseUnauthorized + "Maximum connections (1) reached"; string(got) != want {
		t.Fatalf("second connection response = %q, want %q", got, want)
	}

	first.Close()
	waitFor(t, "first session to close", func() bool { return f.users.Sessions().Count("alice") == 0 })

	third := dialTunnel(t, f.addr, "X-Username: alice", "X-Password: p1")
	expectUpgrade(t, third, WebSocketUpgradeResponse)
}

func TestConcurrentAdmissionsRespectLimit(t *testing.T) {
	target := holdTarget(t)
	f := newFixture(t, Options{DefaultTarget: target}, activeUser("bulk", "pw", 3))

	const clients = 12
	results := make(chan string, clients)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", f.addr, 2*time.Second)
			if err != nil {
				results <- "dial: " + err.Error()
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(5 * time.Second))
			conn.Write([]byte("X-Username: bulk\r\nX-Password: pw\r\n\r\n"))
			buf := make([]byte, 512)
			n, _ := io.ReadAtLeast(conn, buf, len("HTTP/1.1 101"))
			results <- string(buf[:n])
			// Keep admitted sessions open until every client has an answer.
			<-release
		}()
	}
	defer wg.Wait()
	defer close(release)

	counts := map[string]int{}
	for i := 0; i < clients; i++ {
		r := <-results
		switch {
		case strings.HasPrefix(r, "HTTP/1.1 101"):
			counts["ok"]++
		case strings.HasPrefix(r, "HTTP/1.1 401"):
			counts["limit"]++
		default:
			t.Errorf("unexpected response %q", r)
		}
	}
	if counts["ok"] != 3 || counts["limit"] != clients-3 {
		t.Errorf("admitted=%d limited=%d, want 3 and %d", counts["ok"], counts["limit"], clients-3)
	}
}

func TestIdleRelayTerminates(t *testing.T) {
	target := holdTarget(t)
	f := newFixture(t, Options{
		DefaultTarget: target,
		PollInterval:  20 * time.Millisecond,
		IdleLimit:     3,
	}, activeUser("alice", "p1", 1))

	conn := dialTunnel(t, f.addr, "X-Username: alice", "X-Password: p1")
	expectUpgrade(t, conn, WebSocketUpgradeResponse)

	start := time.Now()
	rest, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("idle session ended with error %v, want EOF", err)
	}
	if len(rest) != 0 {
		t.Errorf("idle session sent %q", rest)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("session closed after %v, before the idle limit", elapsed)
	}
	waitFor(t, "accounting", func() bool { return f.users.Sessions().Count("alice") == 0 })
}

// liveSessions returns the sessions currently registered with srv.
func liveSessions(srv *Server) []*Session {
	var out []*Session
	srv.conns.Range(func(key, _ any) bool {
		out = append(out, key.(*Session))
		return true
	})
	return out
}

func TestTrafficResetsIdleCounter(t *testing.T) {
	target := startEchoServer(t)
	f := newFixture(t, Options{
		DefaultTarget: target,
		PollInterval:  20 * time.Millisecond,
		IdleLimit:     5,
	}, activeUser("alice", "p1", 1))

	conn := dialTunnel(t, f.addr, "X-Username: alice", "X-Password: p1")
	expectUpgrade(t, conn, WebSocketUpgradeResponse)

	var sess *Session
	waitFor(t, "relaying session", func() bool {
		live := liveSessions(f.srv)
		if len(live) == 1 && live[0].State() == Relaying {
			sess = live[0]
			return true
		}
		return false
	})

	// Each gap is shorter than the idle window, the total is several windows.
	const rounds = 15
	buf := make([]byte, 1)
	for i := 0; i < rounds; i++ {
		time.Sleep(30 * time.Millisecond)
		if _, err := conn.Write([]byte{'x'}); err != nil {
			t.Fatalf("round %d: write: %v", i, err)
		}
		if _, err := io.ReadFull(conn, buf); err != nil {
			t.Fatalf("round %d: session closed under steady traffic: %v", i, err)
		}
	}
	if st := sess.State(); st != Relaying {
		t.Fatalf("state after traffic = %v, want %v", st, Relaying)
	}

	if _, err := io.ReadAll(conn); err != nil {
		t.Fatalf("idle session ended with error %v, want EOF", err)
	}
	waitFor(t, "teardown", func() bool { return sess.State() == Closed && len(liveSessions(f.srv)) == 0 })

	rows, err := f.ledger.RecentConnections(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != sess.ID() {
		t.Fatalf("ledger rows = %+v, want one row for session %s", rows, sess.ID())
	}
	if rows[0].UploadBytes != rounds || rows[0].DownloadBytes != rounds {
		t.Errorf("upload=%d download=%d, want %d each", rows[0].UploadBytes, rows[0].DownloadBytes, rounds)
	}
}

func TestLegacyHandshake(t *testing.T) {
	target := holdTarget(t)
	f := newFixture(t, Options{DefaultTarget: target, LegacyHandshake: true}, activeUser("alice", "p1", 1))

	conn := dialTunnel(t, f.addr, "X-Username: alice", "X-Password: p1")
	expectUpgrade(t, conn, LegacyUpgradeResponse)
}

func TestStopClosesLiveSessions(t *testing.T) {
	target := holdTarget(t)
	f := newFixture(t, Options{DefaultTarget: target}, activeUser("alice", "p1", 2))

	relaying := dialTunnel(t, f.addr, "X-Username: alice", "X-Password: p1")
	expectUpgrade(t, relaying, WebSocketUpgradeResponse)

	// A client that never sends its handshake.
	silent, err := net.Dial("tcp", f.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()
	waitFor(t, "both sessions", func() bool { return f.srv.Stats().Active == 2 })

	stopped := make(chan struct{})
	go func() {
		f.srv.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}

	if err := f.srv.Wait(); err != nil {
		t.Errorf("Wait() after Stop = %v, want nil", err)
	}
	if st := f.srv.Stats(); st.Active != 0 || st.Total != 2 {
		t.Errorf("Stats() after Stop = %+v", st)
	}
	if n := f.users.Sessions().Count("alice"); n != 0 {
		t.Errorf("alice open sessions = %d, want 0", n)
	}
	rows, _ := f.ledger.RecentConnections(10)
	if len(rows) != 1 {
		t.Errorf("ledger rows = %d, want 1", len(rows))
	}

	relaying.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := relaying.Read(make([]byte, 1)); err == nil {
		t.Error("client connection still open after Stop")
	}
	if _, err := net.DialTimeout("tcp", f.addr, 500*time.Millisecond); err == nil {
		t.Error("listener still accepting after Stop")
	}
}

func TestStartReportsBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	db, _ := usermgmt.Open(filepath.Join(t.TempDir(), "users.json"), nil)
	srv := NewServer(db, nil, Options{})
	if err := srv.Start("127.0.0.1", port); err == nil {
		srv.Stop()
		t.Fatal("Start() on a used port returned nil error")
	}
}

func TestStatsRate(t *testing.T) {
	db, _ := usermgmt.Open(filepath.Join(t.TempDir(), "users.json"), nil)
	srv := NewServer(db, nil, Options{})

	st := srv.Stats()
	if st.Rate != 0 || st.Total != 0 || !st.UpSince.IsZero() {
		t.Errorf("Stats() before Start = %+v", st)
	}

	if err := srv.Start("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	conn := dialTunnel(t, srv.Addr().String(), "Host: nowhere")
	io.ReadAll(conn)
	waitFor(t, "session to close", func() bool { return srv.Stats().Active == 0 })

	st = srv.Stats()
	if st.Total != 1 {
		t.Fatalf("Total = %d, want 1", st.Total)
	}
	if st.Rate <= 0 {
		t.Errorf("Rate = %v, want > 0", st.Rate)
	}
}

func TestAcceptRateLimit(t *testing.T) {
	f := newFixture(t, Options{AcceptRate: 1000})
	for i := 0; i < 3; i++ {
		conn := dialTunnel(t, f.addr, fmt.Sprintf("Host: h%d", i))
		if got, _ := io.ReadAll(conn); string(got) != ResponseCredentialsRequired {
			t.Errorf("response = %q", got)
		}
	}
}
