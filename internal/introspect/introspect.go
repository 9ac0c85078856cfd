// Package introspect exposes a read-only Model Context Protocol server over
// stdio, per SPEC_FULL.md §4.8: get_snapshot, list_zone_rules, and get_usage,
// so an operator (or another agent) can inspect what eisen observe/orchestrate
// currently sees without touching the TCP stream or zone config file
// directly. It registers its tools the way pkg/mcpsdk/server.go does:
// newTool plus a typed sdkmcp.AddTool handler per tool.
package introspect

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/jsonschema-go/jsonschema"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/eisen-labs/eisen-core/pkg/tracker"
	"github.com/eisen-labs/eisen-core/pkg/wire"
	"github.com/eisen-labs/eisen-core/pkg/zone"
)

var toolNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// emptySchema describes a tool that takes no arguments. All three tools this
// package registers are argument-less, and some MCP clients require an
// explicit "properties": {}, "required": [] rather than inferring it from a
// bare struct{}.
var emptySchema jsonschema.Schema

func init() {
	if err := json.Unmarshal([]byte(`{
		"type": "object",
		"properties": {},
		"required": [],
		"additionalProperties": false
	}`), &emptySchema); err != nil {
		panic(fmt.Errorf("failed to create empty input schema: %w", err))
	}
}

func newTool(name, description string) *sdkmcp.Tool {
	if !toolNameRegex.MatchString(name) {
		panic(fmt.Errorf("invalid tool name: %s (must match ^[a-zA-Z0-9_-]+$)", name))
	}
	return &sdkmcp.Tool{Name: name, Description: description, InputSchema: &emptySchema}
}

// GetSnapshotRequest takes no arguments; get_snapshot always reports the
// full current state of the tracker it was built against.
type GetSnapshotRequest struct{}

// GetSnapshotResponse mirrors wire.Snapshot's shape, trimmed of the
// wire-only Type discriminator.
type GetSnapshotResponse struct {
	AgentID string                   `json:"agentId"`
	Seq     uint64                   `json:"seq"`
	Nodes   map[string]wire.FileNode `json:"nodes"`
}

// ListZoneRulesRequest takes no arguments.
type ListZoneRulesRequest struct{}

// ListZoneRulesResponse reports the raw pattern strings a Policy was
// compiled from, plus their counts, per SPEC_FULL.md §4.8.
type ListZoneRulesResponse struct {
	Allowed      []string `json:"allowed"`
	Shared       []string `json:"shared"`
	AllowedCount int      `json:"allowedCount"`
	SharedCount  int      `json:"sharedCount"`
}

// GetUsageRequest takes no arguments; get_usage always reports the last
// usage event seen for the agent this server was built against.
type GetUsageRequest struct{}

// GetUsageResponse mirrors wire.Usage, trimmed of the wire-only Type field.
// Reported is false when no usage event has arrived yet.
type GetUsageResponse struct {
	Reported bool     `json:"reported"`
	Used     int64    `json:"used,omitempty"`
	Size     int64    `json:"size,omitempty"`
	Cost     *float64 `json:"cost,omitempty"`
}

// New builds an MCP server exposing get_snapshot, list_zone_rules, and
// get_usage for one agent's tracker/policy/usage state. tr and pol must be
// non-nil; usage may be nil, in which case get_usage always reports
// Reported: false (useful for a bare "eisen introspect" run with no live
// agent attached yet).
func New(agentID string, tr *tracker.Tracker, pol *zone.Policy, usage *UsageCache) *sdkmcp.Server {
	impl := &sdkmcp.Implementation{Name: "eisen-introspect", Version: "0.1.0"}
	server := sdkmcp.NewServer(impl, nil)

	sdkmcp.AddTool[GetSnapshotRequest, GetSnapshotResponse](
		server,
		newTool("get_snapshot", "Return the current full file-activity snapshot for this agent"),
		func(ctx context.Context, req *sdkmcp.CallToolRequest, _ GetSnapshotRequest) (*sdkmcp.CallToolResult, GetSnapshotResponse, error) {
			snap := tr.Snapshot()
			return nil, GetSnapshotResponse{AgentID: agentID, Seq: snap.Seq, Nodes: snap.Nodes}, nil
		},
	)

	sdkmcp.AddTool[ListZoneRulesRequest, ListZoneRulesResponse](
		server,
		newTool("list_zone_rules", "List the compiled allow/shared zone patterns for this agent"),
		func(ctx context.Context, req *sdkmcp.CallToolRequest, _ ListZoneRulesRequest) (*sdkmcp.CallToolResult, ListZoneRulesResponse, error) {
			allowed, shared := pol.Patterns()
			return nil, ListZoneRulesResponse{
				Allowed:      allowed,
				Shared:       shared,
				AllowedCount: len(allowed),
				SharedCount:  len(shared),
			}, nil
		},
	)

	sdkmcp.AddTool[GetUsageRequest, GetUsageResponse](
		server,
		newTool("get_usage", "Return the last reported token/cost usage for this agent"),
		func(ctx context.Context, req *sdkmcp.CallToolRequest, _ GetUsageRequest) (*sdkmcp.CallToolResult, GetUsageResponse, error) {
			if usage == nil {
				return nil, GetUsageResponse{Reported: false}, nil
			}
			u, ok := usage.Last(agentID)
			if !ok {
				return nil, GetUsageResponse{Reported: false}, nil
			}
			return nil, GetUsageResponse{Reported: true, Used: u.Used, Size: u.Size, Cost: u.Cost}, nil
		},
	)

	return server
}

// Run serves server over stdio until ctx is canceled or the transport
// closes, mirroring mcp-workspace-manager's main.go Run call.
func Run(ctx context.Context, server *sdkmcp.Server) error {
	return server.Run(ctx, &sdkmcp.StdioTransport{})
}
