package proxyengine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowmesh/loadbalancer/internal/config"
	"github.com/flowmesh/loadbalancer/internal/logging"
	"github.com/flowmesh/loadbalancer/internal/metrics"
	"github.com/flowmesh/loadbalancer/internal/router"
)

// hopByHopHeaders lists the HTTP/1.1 connection-scoped headers that must
// never be forwarded to a backend or back to a client.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// L7 parses and forwards HTTP/1.1 requests, rewriting headers per
// frontend policy and honoring keep-alive across multiple requests on
// one client connection.
type L7 struct {
	router  *router.Router
	metrics *metrics.Metrics
	logger  *logging.Logger

	trackConn   func(net.Conn)
	untrackConn func(net.Conn)
}

// NewL7 creates an L7 engine over the given router.
func NewL7(r *router.Router, m *metrics.Metrics, logger *logging.Logger) *L7 {
	return &L7{router: r, metrics: m, logger: logger}
}

// SetConnTracker registers callbacks the engine invokes around each
// request's backend connection, mirroring L4.SetConnTracker: it lets
// the server track and force-close the backend side alongside the
// client connection at the drain deadline. Both callbacks are no-ops
// until set.
func (e *L7) SetConnTracker(track, untrack func(net.Conn)) {
	e.trackConn = track
	e.untrackConn = untrack
}

// Serve reads and forwards requests from clientConn until the
// connection closes, a request asks not to be kept alive, the idle
// timeout elapses waiting for the next request, or a framing error
// forces the connection closed. It owns clientConn's
// lifetime.
func (e *L7) Serve(ctx context.Context, frontend config.Frontend, clientConn net.Conn) {
	defer clientConn.Close()

	opts := frontend.HTTPOptions
	// conn is the connection-level buffered reader: it persists across
	// every request on this connection so pipelined bytes are never lost
	// between iterations. capR sits between it and the bufio.Reader
	// http.ReadRequest parses from, enforcing the header
	// section cap; it is reset before each request and disabled the
	// instant headers finish parsing, so the cap never throttles a body.
	conn := bufio.NewReaderSize(clientConn, 4096)
	capR := newHeaderCapReader(conn, opts.HeaderSectionCap)
	reader := bufio.NewReader(capR)
	clientIP, clientPort := splitHostPort(clientConn.RemoteAddr())

	e.metrics.IncActiveConnections(frontend.Name)
	defer e.metrics.DecActiveConnections(frontend.Name)

	for requestNum := 0; ; requestNum++ {
		clientConn.SetReadDeadline(time.Now().Add(opts.IdleTimeout))
		if _, err := reader.Peek(1); err != nil {
			return
		}

		clientConn.SetReadDeadline(time.Now().Add(opts.HeaderReadTimeout))
		capR.reset()
		req, err := http.ReadRequest(reader)
		if err != nil {
			e.writeError(clientConn, statusForParseError(err))
			return
		}
		capR.disable()
		clientConn.SetReadDeadline(time.Time{})

		keepAlive, closeAfter := e.handleRequest(ctx, frontend, clientConn, req, clientIP, clientPort)
		if closeAfter || !keepAlive {
			return
		}
	}
}

// handleRequest forwards one request/response pair. It returns whether
// the client asked to keep the connection alive and whether a fatal
// framing or I/O error means the connection must close regardless.
func (e *L7) handleRequest(ctx context.Context, frontend config.Frontend, clientConn net.Conn, req *http.Request, clientIP net.IP, clientPort string) (keepAlive bool, closeAfter bool) {
	start := time.Now()
	opts := frontend.HTTPOptions
	keepAlive = req.ProtoAtLeast(1, 1) && !strings.EqualFold(req.Header.Get("Connection"), "close")
	if req.Close {
		keepAlive = false
	}

	backendConn, lease, err := e.router.Connect(ctx, frontend.BackendName, frontend.Algorithm, clientIP, opts.ConnectTimeout)
	if err != nil {
		e.logger.Warn(ctx, "l7 connect failed", slog.String("frontend", frontend.Name), slog.String("error", err.Error()))
		e.writeError(clientConn, http.StatusServiceUnavailable)
		e.metrics.RecordRequest(frontend.Name, frontend.BackendName, req.Method, "503", time.Since(start))
		return keepAlive, true
	}
	defer lease.Release()
	defer backendConn.Close()

	if e.trackConn != nil {
		e.trackConn(backendConn)
		defer e.untrackConn(backendConn)
	}

	rewriteOutboundHeaders(req.Header, opts.RequestHeaders, frontend.Name, lease.Backend(), lease.Addr(), clientIP, clientPort)
	req.Header.Set("X-Forwarded-For", forwardedFor(req.Header.Get("X-Forwarded-For"), clientIP))
	if req.Header.Get("X-Forwarded-Proto") == "" {
		req.Header.Set("X-Forwarded-Proto", "http")
	}
	req.Close = false
	req.RequestURI = ""
	if req.URL.Host == "" {
		req.URL.Host = lease.Addr()
	}
	if req.URL.Scheme == "" {
		req.URL.Scheme = "http"
	}

	if err := req.Write(backendConn); err != nil {
		e.logger.Warn(ctx, "l7 write to backend failed", slog.String("error", err.Error()))
		lease.MarkFailure()
		e.writeError(clientConn, http.StatusBadGateway)
		e.metrics.RecordRequest(frontend.Name, frontend.BackendName, req.Method, "502", time.Since(start))
		return keepAlive, true
	}

	backendReader := bufio.NewReaderSize(backendConn, opts.HeaderSectionCap)
	resp, err := http.ReadResponse(backendReader, req)
	if err != nil {
		e.logger.Warn(ctx, "l7 read response failed", slog.String("error", err.Error()))
		lease.MarkFailure()
		e.writeError(clientConn, http.StatusBadGateway)
		e.metrics.RecordRequest(frontend.Name, frontend.BackendName, req.Method, "502", time.Since(start))
		return keepAlive, true
	}
	defer resp.Body.Close()

	rewriteInboundHeaders(resp.Header, opts.ResponseHeaders, frontend.Name, lease.Backend(), lease.Addr(), clientIP, clientPort)
	if !keepAlive {
		resp.Header.Set("Connection", "close")
	} else {
		resp.Header.Del("Connection")
	}

	if err := resp.Write(clientConn); err != nil {
		e.logger.Warn(ctx, "l7 write to client failed", slog.String("error", err.Error()))
		return keepAlive, true
	}

	e.metrics.RecordRequest(frontend.Name, frontend.BackendName, req.Method, strconv.Itoa(resp.StatusCode), time.Since(start))
	return keepAlive, false
}

// rewriteOutboundHeaders strips hop-by-hop headers and applies the
// frontend's configured request_headers rewrite rules, interpolating
// the variables a header rewrite rule can reference.
func rewriteOutboundHeaders(h http.Header, rules map[string]string, frontend, backend, addr string, clientIP net.IP, clientPort string) {
	stripHopByHop(h)
	applyHeaderRules(h, rules, frontend, backend, addr, clientIP, clientPort)
}

func rewriteInboundHeaders(h http.Header, rules map[string]string, frontend, backend, addr string, clientIP net.IP, clientPort string) {
	stripHopByHop(h)
	applyHeaderRules(h, rules, frontend, backend, addr, clientIP, clientPort)
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

func applyHeaderRules(h http.Header, rules map[string]string, frontend, backend, addr string, clientIP net.IP, clientPort string) {
	ipStr := ""
	if clientIP != nil {
		ipStr = clientIP.String()
	}
	replacer := strings.NewReplacer(
		"$client_ip", ipStr,
		"$client_port", clientPort,
		"$backend_name", backend,
		"$backend_addr", addr,
		"$frontend_name", frontend,
	)
	for name, value := range rules {
		if value == "" {
			h.Del(name)
			continue
		}
		h.Set(name, replacer.Replace(value))
	}
}

func forwardedFor(existing string, clientIP net.IP) string {
	if clientIP == nil {
		return existing
	}
	if existing == "" {
		return clientIP.String()
	}
	return existing + ", " + clientIP.String()
}

func (e *L7) writeError(conn net.Conn, status int) {
	body := http.StatusText(status)
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, body, len(body), body)
}

// statusForParseError classifies a parse failure from http.ReadRequest
// into the response status a client should see: 501 for an unsupported
// Transfer-Encoding, 431 when the header section exceeded the configured
// cap, 408 on a read timeout, 400 for anything else malformed.
func statusForParseError(err error) int {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusRequestTimeout
	}
	if errors.Is(err, errHeaderSectionTooLarge) || errors.Is(err, bufio.ErrBufferFull) || errors.Is(err, io.ErrShortBuffer) {
		return http.StatusRequestHeaderFieldsTooLarge
	}
	// net/http's transfer-encoding rejection (unsupported or too many
	// encodings) has no exported sentinel; its message is the only
	// stable signal available from here.
	if strings.Contains(err.Error(), "transfer encoding") {
		return http.StatusNotImplemented
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return http.StatusBadRequest
	}
	return http.StatusBadRequest
}

func splitHostPort(addr net.Addr) (net.IP, string) {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, ""
	}
	return net.ParseIP(host), port
}
