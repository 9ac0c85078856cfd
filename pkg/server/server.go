// Package server implements the per-agent TCP Server: accepts subscribers,
// sends each a fresh snapshot on connect, then broadcasts every emitted
// delta/usage line, per spec.md §4.4.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/eisen-labs/eisen-core/pkg/jsonrpc"
	"github.com/eisen-labs/eisen-core/pkg/tracker"
	"github.com/eisen-labs/eisen-core/pkg/wire"
)

// DefaultQueueBytes is the default bound on a subscriber's pending write
// queue, per spec.md §4.4 ("default 256 KiB of pending bytes").
const DefaultQueueBytes = 256 * 1024

// Metrics receives counters as subscribers come and go and traffic flows,
// per SPEC_FULL.md §4.9. A nil Metrics is a safe no-op throughout this
// package.
type Metrics interface {
	SubscriberConnected(agentID string)
	SubscriberDisconnected(agentID string)
	DeltaEmitted(agentID string)
	SubscriberDropped(agentID, reason string)
}

// ControlHandler answers a JSON-RPC request interleaved on a subscriber
// connection, per spec.md §4.4's optional control channel
// (list_sessions/create_session/close_session/set_active_session/
// get_session_state). Implementations live above this package; the server
// only recognizes the request shape (id + method) and routes to it.
type ControlHandler interface {
	HandleControl(ctx context.Context, req jsonrpc.Request) jsonrpc.Response
}

// Options configures queue bounds and line framing.
type Options struct {
	// QueueBytes bounds a subscriber's pending write queue. Zero uses
	// DefaultQueueBytes.
	QueueBytes int
	// MaxLineBytes caps an inbound control-channel line. Zero uses
	// wire.MaxLineBytes.
	MaxLineBytes int
}

func (o Options) withDefaults() Options {
	if o.QueueBytes <= 0 {
		o.QueueBytes = DefaultQueueBytes
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = wire.MaxLineBytes
	}
	return o
}

// Server is a per-agent TCP broadcaster.
type Server struct {
	agentID string
	tracker *tracker.Tracker
	control ControlHandler
	metrics Metrics
	logger  *slog.Logger
	opts    Options

	mu        sync.Mutex
	subs      map[int]*subscriber
	nextSubID int
}

// New constructs a Server for one agent's tracker. control and metrics may
// both be nil.
func New(agentID string, tr *tracker.Tracker, control ControlHandler, metrics Metrics, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		agentID: agentID,
		tracker: tr,
		control: control,
		metrics: metrics,
		logger:  logger,
		opts:    opts.withDefaults(),
		subs:    make(map[int]*subscriber),
	}
}

// Listen opens a TCP listener bound to 127.0.0.1, using an ephemeral port
// when port is 0, per spec.md §4.4's binding rule ("no authentication —
// subscribers must be on the same host").
func Listen(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
}

// Serve accepts subscribers on ln until ctx is cancelled or Accept fails.
// A cancelled ctx closes ln, which unblocks Accept with an error Serve
// treats as a clean shutdown rather than a failure.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	sub := newSubscriber(id, s.agentID, conn, s.logger, s.metrics)
	// Enqueue the snapshot before sub becomes visible to broadcast, so it is
	// always the first line this subscriber receives.
	s.sendTo(sub, s.tracker.Snapshot())
	s.subs[id] = sub
	count := len(s.subs)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SubscriberConnected(s.agentID)
	}
	s.logger.Info("subscriber connected", "component", "tcp-server", "remote_addr", remote, "subscriber_count", count)

	go sub.writeLoop()

	s.readControlLoop(ctx, sub, conn)

	sub.close()
	s.mu.Lock()
	delete(s.subs, id)
	count = len(s.subs)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SubscriberDisconnected(s.agentID)
	}
	s.logger.Info("subscriber disconnected", "component", "tcp-server", "remote_addr", remote, "subscriber_count", count)
}

// readControlLoop reads lines sent upstream by a subscriber. A subscriber
// that only reads never sends anything; this loop exists purely for the
// optional control channel (spec.md §4.4) and exits whenever the
// connection closes or a line exceeds the configured cap.
func (s *Server) readControlLoop(ctx context.Context, sub *subscriber, conn net.Conn) {
	scanner := wire.NewLineScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), s.opts.MaxLineBytes)
	for scanner.Scan() {
		if s.control == nil {
			continue
		}
		line := scanner.Bytes()

		var probe map[string]json.RawMessage
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		if !jsonrpc.IsRequest(probe) {
			continue
		}
		var req jsonrpc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		resp := s.control.HandleControl(ctx, req)
		s.sendTo(sub, resp)
	}
}

func (s *Server) sendTo(sub *subscriber, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("server: failed to marshal message", "error", err)
		return
	}
	b = append(b, '\n')
	sub.enqueue(b, s.opts.QueueBytes)
}

// BroadcastDelta fans d out to all connected subscribers and records it on
// Metrics.
func (s *Server) BroadcastDelta(d wire.Delta) {
	if s.metrics != nil {
		s.metrics.DeltaEmitted(s.agentID)
	}
	s.broadcast(d)
}

// BroadcastUsage fans u out to all connected subscribers.
func (s *Server) BroadcastUsage(u wire.Usage) {
	s.broadcast(u)
}

// PublishUsage implements proxy.UsageSink, so a Server can be handed
// directly to proxy.New as the usage sink wired to its tracker's agent.
func (s *Server) PublishUsage(u wire.Usage) {
	s.BroadcastUsage(u)
}

func (s *Server) broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("server: failed to marshal broadcast message", "error", err)
		return
	}
	b = append(b, '\n')

	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(b, s.opts.QueueBytes)
	}
}

// SubscriberCount reports the current number of connected subscribers.
func (s *Server) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
