// Package proxy implements the Agent Proxy: a transparent stdio pipe
// between a parent process and a wrapped agent child, tapping both
// directions to classify file activity and enforce zone policy, per
// spec.md §4.3.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/eisen-labs/eisen-core/pkg/classifier"
	"github.com/eisen-labs/eisen-core/pkg/jsonrpc"
	"github.com/eisen-labs/eisen-core/pkg/tracker"
	"github.com/eisen-labs/eisen-core/pkg/wire"
	"github.com/eisen-labs/eisen-core/pkg/zone"
)

// childShutdownGrace is how long Run waits after sending the child a TERM
// (via ctx cancellation) before escalating to a KILL, per spec.md §5's
// "TERMs the child, waits up to 5 seconds for reap, then KILLs."
const childShutdownGrace = 5 * time.Second

// UsageSink receives usage events classified off the wire, for forwarding
// onto the TCP server's broadcast stream. The tracker itself has no notion
// of usage accounting, so this is a separate seam.
type UsageSink interface {
	PublishUsage(wire.Usage)
}

// Options configures line framing and violation surfacing.
type Options struct {
	// MaxLineBytes caps a single line in either direction, per spec.md
	// §4.3 ("lines longer than 16 MiB are a hard fail"). Zero uses
	// wire.MaxLineBytes.
	MaxLineBytes int
}

func (o Options) withDefaults() Options {
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = wire.MaxLineBytes
	}
	return o
}

// PolicySource is anything that can answer a zone decision. *zone.Policy
// satisfies this directly; zone.PolicyHolder also does, letting a config
// file watcher swap the live policy out from under a running Proxy without
// the Proxy itself knowing reload is possible (SPEC_FULL.md §4.7).
type PolicySource interface {
	Decide(op zone.Operation, path string) zone.Decision
}

// Proxy is a running agent proxy instance.
type Proxy struct {
	childPath string
	childArgs []string

	tracker    *tracker.Tracker
	policy     PolicySource
	classifier *classifier.Classifier
	clock      tracker.Clock
	usageSink  UsageSink
	logger     *slog.Logger
	opts       Options
}

// New constructs a Proxy. usageSink may be nil (usage events are then
// dropped, useful for the `snapshot` CLI subcommand which never proxies).
func New(childPath string, childArgs []string, tr *tracker.Tracker, pol PolicySource, clk tracker.Clock, usageSink UsageSink, logger *slog.Logger, opts Options) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		childPath:  childPath,
		childArgs:  childArgs,
		tracker:    tr,
		policy:     pol,
		classifier: classifier.NewWithClock(clk),
		clock:      clk,
		usageSink:  usageSink,
		logger:     logger,
		opts:       opts.withDefaults(),
	}
}

// Run spawns the child process, wires parentIn/parentOut as the parent side
// of the pipe, taps both directions, and blocks until the child exits or
// ctx is cancelled. It returns the child's exit code (or a non-zero code
// from this package's own exit taxonomy when the child never ran).
func (p *Proxy) Run(ctx context.Context, parentIn io.Reader, parentOut io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, p.childPath, p.childArgs...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = childShutdownGrace

	childIn, err := cmd.StdinPipe()
	if err != nil {
		return 65, fmt.Errorf("proxy: child stdin pipe: %w", err)
	}
	childOut, err := cmd.StdoutPipe()
	if err != nil {
		return 65, fmt.Errorf("proxy: child stdout pipe: %w", err)
	}
	childErr, err := cmd.StderrPipe()
	if err != nil {
		return 65, fmt.Errorf("proxy: child stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 65, fmt.Errorf("proxy: child spawn failed: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		p.logChildStderr(childErr)
	}()
	go func() {
		defer wg.Done()
		p.upstreamLoop(parentIn, childIn)
		_ = childIn.Close()
	}()
	go func() {
		defer wg.Done()
		p.downstreamLoop(childOut, parentOut)
	}()

	waitErr := cmd.Wait()
	wg.Wait()

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if waitErr != nil {
		return 1, fmt.Errorf("proxy: child exited unexpectedly: %w", waitErr)
	}
	return 0, nil
}

// logChildStderr copies the child's stderr into the proxy's structured
// logger line by line, tagged component=child, rather than raw passthrough
// (SPEC_FULL.md §4.3 supplement), so operators can tell child diagnostics
// apart from the proxy's own logs in a single stream.
func (p *Proxy) logChildStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), p.opts.MaxLineBytes)
	for scanner.Scan() {
		p.logger.Warn(scanner.Text(), "component", "child")
	}
}

func (p *Proxy) upstreamLoop(parentIn io.Reader, childIn io.Writer) {
	scanner := wire.NewLineScanner(parentIn)
	scanner.Buffer(make([]byte, 0, 64*1024), p.opts.MaxLineBytes)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		out, forward := p.tap(classifier.Upstream, line, childIn)
		if !forward {
			continue
		}
		if _, err := childIn.Write(out); err != nil {
			p.logger.Error("proxy: write to child failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && errors.Is(err, bufio.ErrTooLong) {
		p.logger.Error("proxy: upstream line exceeded max length, closing", "error", err)
	}
}

func (p *Proxy) downstreamLoop(childOut io.Reader, parentOut io.Writer) {
	scanner := wire.NewLineScanner(childOut)
	scanner.Buffer(make([]byte, 0, 64*1024), p.opts.MaxLineBytes)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		out, forward := p.tap(classifier.Downstream, line, parentOut)
		if !forward {
			continue
		}
		if _, err := parentOut.Write(out); err != nil {
			p.logger.Error("proxy: write to parent failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && errors.Is(err, bufio.ErrTooLong) {
		p.logger.Error("proxy: downstream line exceeded max length, closing", "error", err)
	}
}

// tap classifies one line, applies zone enforcement, updates the tracker,
// and decides whether the line should still be forwarded along its
// original path. replyTo is where a synthesized zone-violation error is
// written back to (the opposite side never sees the denied message).
//
// Zone checks are applied symmetrically regardless of which direction
// carries the classified write/read, rather than only on upstream traffic:
// spec.md §4.3 files the enforcement example under "upstream message"
// but the fs/read_text_file / fs/write_text_file request/response pair
// this system proxies can originate from either side of the pipe (see
// DESIGN.md's classifier grounding note), so a direction-pinned rule would
// silently miss half of the real traffic.
func (p *Proxy) tap(direction classifier.Direction, line []byte, replyTo io.Writer) ([]byte, bool) {
	result := p.classifier.Classify(direction, line)
	now := p.clock.NowMs()

	if result.Usage != nil && p.usageSink != nil {
		p.usageSink.PublishUsage(wire.NewUsage(p.tracker.AgentID(), p.tracker.SessionID(), result.Usage.Used, result.Usage.Size, result.Usage.Cost))
	}

	for _, access := range result.Accesses {
		op := zone.OpRead
		if access.Action == wire.ActionWrite {
			op = zone.OpWrite
		}
		decision := p.policy.Decide(op, access.Path)
		if decision.Verdict == zone.Denied {
			p.tracker.FileAccessDenied(access.Path, access.Action, now)
			p.writeViolation(replyTo, line, decision.Reason)
			return nil, false
		}
		p.tracker.FileAccess(access.Path, access.Action, now)
	}

	return line, true
}

func (p *Proxy) writeViolation(w io.Writer, originalLine []byte, reason string) {
	id := jsonrpc.ExtractID(originalLine)
	resp := jsonrpc.NewErrorResponse(id, jsonrpc.NewError(jsonrpc.CodeZoneViolation, reason, nil))
	out, err := json.Marshal(resp)
	if err != nil {
		p.logger.Error("proxy: failed to marshal zone violation response", "error", err)
		return
	}
	out = append(out, '\n')
	if _, err := w.Write(out); err != nil {
		p.logger.Error("proxy: failed to write zone violation response", "error", err)
	}
}
