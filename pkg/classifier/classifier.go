// Package classifier implements the stateful classifier described in
// spec.md §4.3: it maps a tapped JSON-RPC-style message, in a given
// direction, to zero or more inferred FileAccess events (or a UsageEvent),
// over the small set of known method shapes the proxy understands.
package classifier

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/eisen-labs/eisen-core/pkg/wire"
)

// Clock abstracts wall-clock milliseconds so tests can drive the pending
// fs/* request sweep deterministically instead of sleeping real time.
// Matches pkg/tracker.Clock's shape so a proxy's existing clock can be
// handed straight to NewWithClock without an adapter.
type Clock interface {
	NowMs() int64
}

type systemClock struct{}

func (systemClock) NowMs() int64 { return time.Now().UnixMilli() }

// pendingFSTTLMs bounds how long an unanswered fs/read_text_file or
// fs/write_text_file request may sit in Classifier.pending before it
// becomes eligible for the sweep in classifyFSRequest, per SPEC_FULL.md
// §4.3 ("a bounded map keyed by request id with a 60s eviction sweep"): a
// child that never answers cannot leak pending-access state forever.
const pendingFSTTLMs = 60_000

// Direction identifies which half of the proxy tapped a message.
// Upstream is parent→child (spec.md §4.3's upstream_task); Downstream is
// child→parent (downstream_task).
type Direction string

const (
	Upstream   Direction = "upstream"
	Downstream Direction = "downstream"
)

// FileAccess is one inferred file-level event.
type FileAccess struct {
	Path   string
	Action wire.Action
}

// UsageEvent is an inferred token/cost accounting update.
type UsageEvent struct {
	Used int64
	Size int64
	Cost *float64
}

// Result is everything a single classified message produced.
type Result struct {
	Accesses []FileAccess
	Usage    *UsageEvent
}

// Empty reports whether r carries no events at all.
func (r Result) Empty() bool { return len(r.Accesses) == 0 && r.Usage == nil }

// pathTokenRegex matches "path-shaped" tokens in free text: a `/`-separated
// token with either a file extension or more than one slash, per
// spec.md §4.3's "text blocks containing path-shaped tokens" rule.
var pathTokenRegex = regexp.MustCompile(`[A-Za-z0-9_.\-]+(?:/[A-Za-z0-9_.\-]+)+`)

var extRegex = regexp.MustCompile(`\.[A-Za-z0-9]{1,8}$`)

type genericMessage struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

type promptParams struct {
	Prompt []contentBlock `json:"prompt"`
}

type contentBlock struct {
	Type     string        `json:"type"`
	Text     string        `json:"text"`
	URI      string        `json:"uri"`
	Resource *resourceLink `json:"resource"`
}

type resourceLink struct {
	URI string `json:"uri"`
}

type sessionUpdateParams struct {
	Update struct {
		Kind      string          `json:"kind"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
		Result    json.RawMessage `json:"result"`
		Used      int64           `json:"used"`
		Size      int64           `json:"size"`
		Cost      *float64        `json:"cost"`
	} `json:"update"`
}

type toolArgs struct {
	Path     string `json:"path"`
	FilePath string `json:"file_path"`
}

func (a toolArgs) resolvedPath() string {
	if a.Path != "" {
		return a.Path
	}
	return a.FilePath
}

var readWriteTools = map[string]wire.Action{
	"read":  wire.ActionRead,
	"edit":  wire.ActionWrite,
	"write": wire.ActionWrite,
}

var searchTools = map[string]struct{}{
	"search": {}, "grep": {}, "glob": {},
}

var fsToolMethods = map[string]wire.Action{
	"fs/read_text_file":  wire.ActionRead,
	"fs/write_text_file": wire.ActionWrite,
}

type pendingFSAccess struct {
	path      string
	action    wire.Action
	addedAtMs int64
}

// Classifier holds the small amount of cross-message state needed to
// correlate an fs/read_text_file or fs/write_text_file request with its
// later response (spec.md §4.3: "Responses... finalizes the corresponding
// pending read/write access"). Everything else is a pure function of a
// single message and direction. A request's id is tracked regardless of
// which direction it was observed on, since this proxy-transparent dialect
// does not constrain which side initiates an fs/* call.
type Classifier struct {
	mu      sync.Mutex
	pending map[string]pendingFSAccess
	clock   Clock
}

// New constructs an empty Classifier using the wall clock for the pending
// fs/* request sweep.
func New() *Classifier {
	return NewWithClock(systemClock{})
}

// NewWithClock constructs an empty Classifier using clock for the pending
// fs/* request sweep, so a caller that already owns a Clock (e.g.
// pkg/proxy.Proxy) can share it instead of reading wall time twice. A nil
// clock falls back to the wall clock.
func NewWithClock(clock Clock) *Classifier {
	if clock == nil {
		clock = systemClock{}
	}
	return &Classifier{pending: make(map[string]pendingFSAccess), clock: clock}
}

// Classify inspects one decoded line and returns the FileAccess/Usage
// events it implies. An unrecognized method shape is not an error — per
// spec.md §7's ClassifierError semantics, the caller logs a warning,
// forwards the message unchanged, and no FileAccess is emitted; Classify
// itself just returns an empty Result for anything it doesn't recognize,
// leaving the warning/forward decision to the caller.
func (c *Classifier) Classify(direction Direction, line []byte) Result {
	var msg genericMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return Result{}
	}

	switch {
	case msg.Method == "session/prompt":
		return c.classifyPrompt(msg)
	case msg.Method == "session/update":
		return c.classifyUpdate(msg)
	case msg.Method != "" && isFSToolMethod(msg.Method):
		return c.classifyFSRequest(msg)
	case msg.Method == "" && len(msg.ID) > 0 && (len(msg.Result) > 0 || len(msg.Error) > 0):
		return c.classifyResponse(msg)
	default:
		return Result{}
	}
}

func isFSToolMethod(method string) bool {
	_, ok := fsToolMethods[method]
	return ok
}

func (c *Classifier) classifyPrompt(msg genericMessage) Result {
	var params promptParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return Result{}
	}
	var out Result
	for _, block := range params.Prompt {
		switch block.Type {
		case "resource_link":
			if p, ok := pathFromFileURI(block.URI); ok {
				out.Accesses = append(out.Accesses, FileAccess{Path: p, Action: wire.ActionUserProvided})
			}
		case "resource":
			if block.Resource != nil {
				if p, ok := pathFromFileURI(block.Resource.URI); ok {
					out.Accesses = append(out.Accesses, FileAccess{Path: p, Action: wire.ActionUserProvided})
				}
			}
		case "text":
			for _, p := range extractPathTokens(block.Text) {
				out.Accesses = append(out.Accesses, FileAccess{Path: p, Action: wire.ActionUserReferenced})
			}
		}
	}
	return out
}

func pathFromFileURI(uri string) (string, bool) {
	const prefix = "file://"
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	return strings.TrimPrefix(uri, prefix), true
}

// extractPathTokens finds path-shaped tokens per spec.md §4.3: a
// `/`-separated token with an extension, or with more than one slash
// (repeated-slash tokens without an extension still plausibly name a
// directory path worth tracking).
func extractPathTokens(text string) []string {
	var out []string
	for _, tok := range pathTokenRegex.FindAllString(text, -1) {
		slashes := strings.Count(tok, "/")
		if extRegex.MatchString(tok) || slashes >= 2 {
			out = append(out, tok)
		}
	}
	return out
}

func (c *Classifier) classifyUpdate(msg genericMessage) Result {
	var params sessionUpdateParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return Result{}
	}
	update := params.Update

	switch update.Kind {
	case "tool_call":
		var args toolArgs
		_ = json.Unmarshal(update.Arguments, &args)
		path := args.resolvedPath()

		if action, ok := readWriteTools[update.Name]; ok && path != "" {
			return Result{Accesses: []FileAccess{{Path: path, Action: action}}}
		}
		if _, ok := searchTools[update.Name]; ok {
			paths := pathsFromSearchResult(update.Result)
			accesses := make([]FileAccess, 0, len(paths))
			for _, p := range paths {
				accesses = append(accesses, FileAccess{Path: p, Action: wire.ActionSearch})
			}
			return Result{Accesses: accesses}
		}
		return Result{}
	case "usage":
		return Result{Usage: &UsageEvent{Used: update.Used, Size: update.Size, Cost: update.Cost}}
	default:
		return Result{}
	}
}

// pathsFromSearchResult extracts resolved paths from a search/grep/glob
// tool's result payload. The dialect is loose here (different tools shape
// results differently), so we accept either a bare string array or an
// array of objects carrying a "path" field.
func pathsFromSearchResult(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var asStrings []string
	if err := json.Unmarshal(raw, &asStrings); err == nil {
		return asStrings
	}
	var asObjects []struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(raw, &asObjects); err == nil {
		out := make([]string, 0, len(asObjects))
		for _, o := range asObjects {
			if o.Path != "" {
				out = append(out, o.Path)
			}
		}
		return out
	}
	return nil
}

func (c *Classifier) classifyFSRequest(msg genericMessage) Result {
	if len(msg.ID) == 0 {
		return Result{}
	}
	var args toolArgs
	_ = json.Unmarshal(msg.Params, &args)
	path := args.resolvedPath()
	if path == "" {
		return Result{}
	}
	action := fsToolMethods[msg.Method]
	now := c.clock.NowMs()

	c.mu.Lock()
	c.sweepLocked(now)
	c.pending[string(msg.ID)] = pendingFSAccess{path: path, action: action, addedAtMs: now}
	c.mu.Unlock()
	return Result{}
}

// sweepLocked drops any pending fs/* request older than pendingFSTTLMs.
// Called on every new fs/* request rather than off a background ticker, so
// the bound holds without this package owning a goroutine of its own.
func (c *Classifier) sweepLocked(nowMs int64) {
	for id, p := range c.pending {
		if nowMs-p.addedAtMs >= pendingFSTTLMs {
			delete(c.pending, id)
		}
	}
}

func (c *Classifier) classifyResponse(msg genericMessage) Result {
	key := string(msg.ID)
	c.mu.Lock()
	pending, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok || len(msg.Error) > 0 {
		return Result{}
	}
	return Result{Accesses: []FileAccess{{Path: pending.path, Action: pending.action}}}
}

// PendingCount reports how many fs/* requests are awaiting a response
// (test/diagnostic helper).
func (c *Classifier) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
