// Package proxyengine implements the two data-plane forwarders of
// an L4 engine that copies raw TCP bytes in both directions,
// and an L7 engine that parses and rewrites HTTP/1.1 request/response
// framing. Neither is built on net/http server machinery or
// httputil.ReverseProxy: 's header-rewrite and framing rules
// need control those abstractions do not expose.
package proxyengine

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/flowmesh/loadbalancer/internal/config"
	"github.com/flowmesh/loadbalancer/internal/logging"
	"github.com/flowmesh/loadbalancer/internal/metrics"
	"github.com/flowmesh/loadbalancer/internal/router"
)

// halfCloser is satisfied by *net.TCPConn and lets one direction of a
// duplex connection signal EOF to its peer without tearing down the
// other direction.
type halfCloser interface {
	CloseWrite() error
}

// L4 forwards raw bytes between a client connection and a selected
// backend, with no protocol awareness at all.
type L4 struct {
	router  *router.Router
	metrics *metrics.Metrics
	logger  *logging.Logger

	trackConn   func(net.Conn)
	untrackConn func(net.Conn)
}

// NewL4 creates an L4 engine over the given router.
func NewL4(r *router.Router, m *metrics.Metrics, logger *logging.Logger) *L4 {
	return &L4{router: r, metrics: m, logger: logger}
}

// SetConnTracker registers callbacks the engine invokes around a
// backend connection's lifetime, letting the caller (the server) track
// and force-close it alongside the client connection at the drain
// deadline. Forced closure of only the client side cannot by itself
// unblock a forwarding goroutine stuck reading from an unresponsive
// backend; tracking the backend connection too ensures the deadline
// closes both sockets as intended. Both callbacks are no-ops until set.
func (e *L4) SetConnTracker(track, untrack func(net.Conn)) {
	e.trackConn = track
	e.untrackConn = untrack
}

// Serve dials a backend for frontend and copies bytes in both
// directions until either side closes or errors. It owns clientConn's
// lifetime: callers must not use it after Serve returns.
func (e *L4) Serve(ctx context.Context, frontend config.Frontend, clientConn net.Conn) {
	defer clientConn.Close()

	e.metrics.IncActiveConnections(frontend.Name)
	defer e.metrics.DecActiveConnections(frontend.Name)

	opts := frontend.TCPOptions
	clientIP := hostIP(clientConn.RemoteAddr())

	backendConn, lease, err := e.router.Connect(ctx, frontend.BackendName, frontend.Algorithm, clientIP, opts.ConnectTimeout)
	if err != nil {
		e.logger.Warn(ctx, "l4 connect failed", slog.String("frontend", frontend.Name), slog.String("error", err.Error()))
		return
	}
	defer backendConn.Close()
	defer lease.Release()

	if e.trackConn != nil {
		e.trackConn(backendConn)
		defer e.untrackConn(backendConn)
	}

	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 16 * 1024
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _, writeErr := copyDirection(backendConn, clientConn, make([]byte, bufSize))
		e.metrics.AddBytesSent(frontend.Name, frontend.BackendName, n)
		if writeErr != nil {
			lease.MarkFailure()
		}
		if hc, ok := backendConn.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		n, readErr, _ := copyDirection(clientConn, backendConn, make([]byte, bufSize))
		e.metrics.AddBytesReceived(frontend.Name, frontend.BackendName, n)
		if readErr != nil {
			lease.MarkFailure()
		}
		if hc, ok := clientConn.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	wg.Wait()
}

// copyDirection copies from src to dst like io.CopyBuffer, but reports
// read and write errors separately so the caller can attribute a
// failure to whichever side actually produced it: a write error here
// names dst at fault, a read error names src.
func copyDirection(dst io.Writer, src io.Reader, buf []byte) (written int64, readErr, writeErr error) {
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			written += int64(nw)
			if ew != nil {
				writeErr = ew
				return
			}
			if nr != nw {
				writeErr = io.ErrShortWrite
				return
			}
		}
		if er != nil {
			if er != io.EOF {
				readErr = er
			}
			return
		}
	}
}

// hostIP extracts the IP portion of a net.Addr, returning nil when the
// address has no usable host (e.g. a unix socket peer).
func hostIP(addr net.Addr) net.IP {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
