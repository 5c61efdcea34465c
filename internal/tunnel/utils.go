package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// HandshakeBufferSize is the size of the single read that must carry the handshake headers.
const HandshakeBufferSize = 4096 * 4

// DefaultHandshakeTimeout bounds the wait for the client's handshake.
const DefaultHandshakeTimeout = 60 * time.Second

// DefaultDialTimeout bounds the connection attempt to the target host.
const DefaultDialTimeout = 10 * time.Second

// DefaultPollInterval is the relay idle-check period.
const DefaultPollInterval = 3 * time.Second

// DefaultIdleLimit is the number of consecutive idle poll intervals that end a relay.
const DefaultIdleLimit = 60

// DefaultTargetPort is used when the target host carries no port.
const DefaultTargetPort = "22"

// Handshake responses.
const (
	ResponseCredentialsRequired = "HTTP/1.1 401 Credentials Required\r\n\r\n"
	ResponseUnauthorized        = "HTTP/1.1 401 Unauthorized\r\n\r\n"
	ResponseNoTargetHost        = "HTTP/1.1 400 NoTargetHost!\r\n\r\n"
	ResponseTunnelError         = "HTTP/1.1 500 TunnelError\r\n\r\n"
)

// WebSocketUpgradeResponse is sent to the client once the target is connected.
const WebSocketUpgradeResponse = "HTTP/1.1 101 Switching Protocols\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n" +
	"Sec-WebSocket-Version: 13\r\n\r\n"

// LegacyUpgradeResponse is the acknowledgement older clients expect, including the
// bogus Content-Length line after the blank line.
const LegacyUpgradeResponse = "HTTP/1.1 101 Switching Protocols\r\n\r\nContent-Length: 104857600000\r\n\r\n"

var errNoTarget = errors.New("no target host")

// HeaderValue returns the value of the first header line named exactly headerName.
//
// Only CRLF-terminated lines are considered and the match is case-sensitive; the
// value is everything after ": " up to the line end. Later lines with the same
// name are ignored.
//
// Parameters:
//   - head: The raw handshake text as read from the client.
//   - headerName: The header name to match, e.g. "X-Username".
//
// Returns:
//   - string: The header value, or "" if no complete line matches.
//
// Example:
//
//	user := tunnel.HeaderValue(head, "X-Username")
func HeaderValue(head, headerName string) string {
	lines := strings.Split(head, "\r\n")
	// The last element is not CRLF-terminated.
	lines = lines[:len(lines)-1]
	prefix := headerName + ": "
	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			return line[len(prefix):]
		}
	}
	return ""
}

// requestLine returns the first line of the handshake for logging.
func requestLine(head string) string {
	if i := strings.Index(head, "\r\n"); i >= 0 {
		return head[:i]
	}
	return head
}

// ParseTarget turns a host or host:port value into a dialable address.
//
// DefaultTargetPort is used when no port is given. Bare and bracketed IPv6
// literals are accepted; the result is always in net.JoinHostPort form.
//
// Parameters:
//   - value: The X-Real-Host or Host header value, or the configured default target.
//
// Returns:
//   - string: The "host:port" address to dial.
//   - error: Non-nil if the host is empty or the port is not a number in 1-65535.
//
// Example:
//
//	addr, err := tunnel.ParseTarget("[::1]") // "[::1]:22"
func ParseTarget(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", errNoTarget
	}

	host, port, err := net.SplitHostPort(value)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")
		port = DefaultTargetPort
		if strings.ContainsAny(host, "[]") || (strings.Count(host, ":") == 1) {
			return "", fmt.Errorf("invalid target %q: %w", value, err)
		}
	}
	if host == "" {
		return "", fmt.Errorf("invalid target %q: %w", value, errNoTarget)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("invalid port %q in target %q", port, value)
	}
	return net.JoinHostPort(host, port), nil
}

// clientIP returns the host part of a remote address.
func clientIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// writeFull writes all of p, looping over short writes.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// isIgnorableError reports whether err is EOF or a benign close error.
func isIgnorableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset by peer")
}
