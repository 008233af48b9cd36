// Package server owns the frontend listeners: it
// binds one net.Listener per frontend, accepts connections, captures the
// config snapshot at accept time so in-flight connections are immune to
// later reloads, and drains active connections on shutdown within a
// configurable deadline.
package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/loadbalancer/internal/config"
	"github.com/flowmesh/loadbalancer/internal/logging"
	"github.com/flowmesh/loadbalancer/internal/metrics"
	"github.com/flowmesh/loadbalancer/internal/proxyengine"
)

// Server binds and runs every frontend listener named by the live
// config snapshot, reconciling the listener set on every reload.
type Server struct {
	store   *config.Store
	l4      *proxyengine.L4
	l7      *proxyengine.L7
	metrics *metrics.Metrics
	logger  *logging.Logger

	mu        sync.Mutex
	listeners map[string]*boundFrontend
	active    sync.WaitGroup
	conns     map[net.Conn]struct{}
}

type boundFrontend struct {
	listenAddr string
	ln         net.Listener
	cancel     context.CancelFunc
}

// New creates a server over the given config store and proxy engines.
// It registers itself as both engines' connection tracker so a drain
// deadline force-closes every backend connection alongside its client
// connection, not just the client side.
func New(store *config.Store, l4 *proxyengine.L4, l7 *proxyengine.L7, m *metrics.Metrics, logger *logging.Logger) *Server {
	s := &Server{
		store:     store,
		l4:        l4,
		l7:        l7,
		metrics:   m,
		logger:    logger,
		listeners: make(map[string]*boundFrontend),
		conns:     make(map[net.Conn]struct{}),
	}
	l4.SetConnTracker(s.trackConn, s.untrackConn)
	l7.SetConnTracker(s.trackConn, s.untrackConn)
	return s
}

// Run binds every frontend in the store's current snapshot, then
// reconciles the listener set against every subsequent publish until ctx
// is cancelled. On cancellation it stops accepting new connections and
// waits up to the snapshot's drain_deadline for in-flight connections to
// finish before returning.
func (s *Server) Run(ctx context.Context) error {
	sub := s.store.Subscribe()
	if err := s.reconcile(ctx, s.store.Load()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			s.drain(s.store.Load().Global.DrainDeadline)
			return nil
		case snap := <-sub:
			s.reconcile(ctx, snap)
		}
	}
}

// reconcile binds listeners for frontends that are new or whose
// listen_addr changed, and stops listeners for frontends no longer
// present. A bind failure for one frontend is logged and does not stop
// the others from starting.
func (s *Server) reconcile(ctx context.Context, snap *config.Snapshot) error {
	wanted := make(map[string]config.Frontend, len(snap.Frontends))
	for _, f := range snap.Frontends {
		wanted[f.Name] = f
	}

	s.mu.Lock()
	var toStart []config.Frontend
	for name, f := range wanted {
		existing, ok := s.listeners[name]
		if !ok || existing.listenAddr != f.ListenAddr {
			if ok {
				existing.cancel()
				existing.ln.Close()
				delete(s.listeners, name)
			}
			toStart = append(toStart, f)
		}
	}
	var toStop []*boundFrontend
	for name, bf := range s.listeners {
		if _, ok := wanted[name]; !ok {
			toStop = append(toStop, bf)
			delete(s.listeners, name)
		}
	}
	s.mu.Unlock()

	for _, bf := range toStop {
		bf.cancel()
		bf.ln.Close()
	}

	var g errgroup.Group
	for _, f := range toStart {
		f := f
		g.Go(func() error {
			return s.startListener(ctx, f)
		})
	}
	return g.Wait()
}

func (s *Server) startListener(ctx context.Context, f config.Frontend) error {
	ln, err := net.Listen("tcp", f.ListenAddr)
	if err != nil {
		s.logger.Error(ctx, "bind failed", err, slog.String("frontend", f.Name), slog.String("listen_addr", f.ListenAddr))
		return nil
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listeners[f.Name] = &boundFrontend{listenAddr: f.ListenAddr, ln: ln, cancel: cancel}
	s.mu.Unlock()

	s.logger.Info(ctx, "frontend listening", slog.String("frontend", f.Name), slog.String("listen_addr", f.ListenAddr))
	go s.acceptLoop(listenerCtx, f.Name, ln)
	return nil
}

// acceptLoop accepts connections until ln is closed or ctx is
// cancelled. Each connection is dispatched using the frontend config
// captured at accept time, not re-read from the store later: a reload
// that changes algorithm or backend mid-flight never disturbs a
// connection already in progress.
func (s *Server) acceptLoop(ctx context.Context, frontendName string, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warn(ctx, "accept failed", slog.String("frontend", frontendName), slog.String("error", err.Error()))
				return
			}
		}

		snap := s.store.Load()
		frontend, ok := lookupFrontend(snap, frontendName)
		if !ok {
			conn.Close()
			continue
		}

		s.active.Add(1)
		s.trackConn(conn)
		go func() {
			defer s.active.Done()
			defer s.untrackConn(conn)
			s.serve(ctx, frontend, conn)
		}()
	}
}

func (s *Server) trackConn(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) serve(ctx context.Context, frontend config.Frontend, conn net.Conn) {
	switch frontend.Protocol {
	case config.ProtocolHTTP:
		s.l7.Serve(ctx, frontend, conn)
	default:
		s.l4.Serve(ctx, frontend, conn)
	}
}

// drain stops every listener from accepting further connections, then
// waits up to deadline for connections already in flight to finish on
// their own. If the deadline passes first, every still-tracked
// connection is force-closed — both the client socket and its
// matching backend socket, registered via SetConnTracker — so every
// proxy goroutine unblocks from whatever read or write it is stuck in
// and active.Wait can return.
func (s *Server) drain(deadline time.Duration) {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = make(map[string]*boundFrontend)
	s.mu.Unlock()

	for _, bf := range listeners {
		bf.cancel()
		bf.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		s.logger.Warn(context.Background(), "drain deadline exceeded, forcibly closing connections still active")
		s.closeActiveConns()
		<-done
	}
}

func (s *Server) closeActiveConns() {
	s.mu.Lock()
	conns := s.conns
	s.mu.Unlock()
	for c := range conns {
		c.Close()
	}
}

func lookupFrontend(snap *config.Snapshot, name string) (config.Frontend, bool) {
	for _, f := range snap.Frontends {
		if f.Name == name {
			return f, true
		}
	}
	return config.Frontend{}, false
}
