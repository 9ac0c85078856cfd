package commands

import "time"

// wallClock implements both pkg/tracker.Clock and pkg/orchestrator.Clock
// (both are just NowMs() int64) with the real wall clock. Each package
// keeps its own nil handling (pkg/tracker.New falls back to an internal
// systemClock when passed nil, pkg/orchestrator leaves registry timestamps
// at zero) but pkg/proxy calls its clock unconditionally on every tapped
// line, so commands pass a concrete instance.
type wallClock struct{}

func (wallClock) NowMs() int64 { return time.Now().UnixMilli() }
