package mcpservice

import (
	"context"
	"os"
	"time"

	"github.com/ahma-mcp/ahma/internal/opmonitor"
	"github.com/google/jsonschema-go/jsonschema"
	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// registerBuiltins wires the five hardcoded tools reserves:
// await, status, cancel, discover_tools, sandboxed_shell.
func (s *Service) registerBuiltins() {
	s.server.AddTool(&gomcp.Tool{
		Name:        "await",
		Description: "Block until all pending operations (optionally filtered by tool name) reach a terminal state, subject to an intelligent timeout.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"tools":           {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
				"timeout_seconds": {Type: "integer"},
			},
		},
	}, s.handleAwait)

	s.server.AddTool(&gomcp.Tool{
		Name:        "status",
		Description: "Non-blocking snapshot of active and recently completed operations, optionally filtered by tool name.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"tools": {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			},
		},
	}, s.handleStatus)

	s.server.AddTool(&gomcp.Tool{
		Name:        "cancel",
		Description: "Attempt to cancel a pending or running operation by id.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{"operation_id": {Type: "string"}, "reason": {Type: "string"}},
			Required:   []string{"operation_id"},
		},
	}, s.handleCancel)

	s.server.AddTool(&gomcp.Tool{
		Name:        "discover_tools",
		Description: "list: show bundle metadata (revealed?). reveal: reveal a comma-separated list of bundles, adding their tools to tools/list.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{"action": {Type: "string", Enum: []any{"list", "reveal"}}, "bundle": {Type: "string"}},
			Required:   []string{"action"},
		},
	}, s.handleDiscoverTools)

	s.server.AddTool(&gomcp.Tool{
		Name:        "sandboxed_shell",
		Description: "Execute a free-form shell command through the sandboxed shell worker pool, subject to the same sandbox and timeout rules as config-driven tools.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"command":           {Type: "string"},
				"working_directory": {Type: "string"},
				"timeout_seconds":   {Type: "integer"},
				"execution_mode":    {Type: "string", Enum: []any{"sync", "async"}},
				"pty":               {Type: "boolean", Description: "Attach the command to a pseudo-terminal instead of plain pipes, for tools that change behavior under isatty()."},
			},
			Required: []string{"command"},
		},
	}, s.handleSandboxedShell)
}

// handleAwait implements intelligent timeout: before
// awaiting, compute max(240s, max(pending_op.timeout)) over operations
// matching the tools filter. A caller-supplied timeout smaller than that
// floor is still honored, with a warning attached to the response.
func (s *Service) handleAwait(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	s.sink.capture(req)
	args, err := unmarshalArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	filter := stringSliceArg(args, "tools")

	pending := s.matchingActiveOps(filter)

	intelligent := minAwaitTimeout
	for _, op := range pending {
		if op.Timeout > intelligent {
			intelligent = op.Timeout
		}
	}

	timeout := intelligent
	var warning string
	if raw, ok := args["timeout_seconds"]; ok {
		if n, ok := raw.(float64); ok && n > 0 {
			explicit := time.Duration(n) * time.Second
			if explicit < intelligent {
				warning = "supplied timeout_seconds is below the computed intelligent timeout; honoring it anyway, operations may not finish in time"
			}
			timeout = explicit
		}
	}

	if len(pending) == 0 {
		return textResult(marshalText(map[string]interface{}{"operations": []opmonitor.Snapshot{}})), nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	snaps, waitErr := opmonitor.WaitForAny(waitCtx, pending)
	resp := map[string]interface{}{"operations": snaps}
	if warning != "" {
		resp["warning"] = warning
	}
	if waitErr != nil {
		resp["timed_out"] = true
	}
	return textResult(marshalText(resp)), nil
}

func (s *Service) matchingActiveOps(filter map[string]bool) []*opmonitor.Operation {
	var out []*opmonitor.Operation
	for _, snap := range s.monitor.Active() {
		if len(filter) > 0 && !filter[snap.ToolName] {
			continue
		}
		if op := s.monitor.Get(snap.ID); op != nil {
			out = append(out, op)
		}
	}
	return out
}

func (s *Service) handleStatus(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	s.sink.capture(req)
	args, err := unmarshalArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	filter := stringSliceArg(args, "tools")

	active := filterSnapshots(s.monitor.Active(), filter)
	completed := filterSnapshots(s.monitor.GetCompleted(), filter)

	resp := map[string]interface{}{
		"active":    active,
		"completed": completed,
	}
	if !s.statusLimiter.Allow() {
		resp["hint"] = "status is being polled faster than necessary; await blocks until completion instead of requiring repeated polling"
	}
	return textResult(marshalText(resp)), nil
}

func filterSnapshots(in []opmonitor.Snapshot, filter map[string]bool) []opmonitor.Snapshot {
	if len(filter) == 0 {
		return in
	}
	out := make([]opmonitor.Snapshot, 0, len(in))
	for _, s := range in {
		if filter[s.ToolName] {
			out = append(out, s)
		}
	}
	return out
}

func (s *Service) handleCancel(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	s.sink.capture(req)
	args, err := unmarshalArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	id := stringArg(args, "operation_id", "")
	if id == "" {
		return errResult("operation_id is required"), nil
	}
	reason := stringArg(args, "reason", "")

	op := s.monitor.Get(id)
	if op == nil {
		return errResult("unknown operation_id"), nil
	}

	wasTerminalAlready := op.State().IsTerminal()
	s.monitor.Cancel(id, reason)

	hint := "call status or await with this operation_id to confirm the final state"
	if wasTerminalAlready {
		hint = "operation had already reached a terminal state; cancel was a no-op"
	}

	return textResult(marshalText(map[string]interface{}{
		"operation_id": id,
		"state":        op.State(),
		"hint":         hint,
	})), nil
}

// handleDiscoverTools implements progressive disclosure: a bundle's tools
// stay hidden from tools/list until explicitly revealed .
func (s *Service) handleDiscoverTools(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	s.sink.capture(req)
	args, err := unmarshalArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	action := stringArg(args, "action", "")

	switch action {
	case "list":
		return textResult(marshalText(map[string]interface{}{"bundles": s.bundleSummaries()})), nil
	case "reveal":
		names := stringArg(args, "bundle", "")
		revealed := s.reveal(names)
		return textResult(marshalText(map[string]interface{}{"revealed": revealed})), nil
	default:
		return errResult(`action must be "list" or "reveal"`), nil
	}
}

type bundleSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ToolCount   int    `json:"tool_count"`
	Revealed    bool   `json:"revealed"`
}

func (s *Service) bundleSummaries() []bundleSummary {
	counts := make(map[string]int)
	for _, tc := range s.loader.Tools() {
		if tc.Bundle != "" {
			counts[tc.Bundle]++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]bundleSummary, 0, len(counts))
	for _, name := range sortedKeysInt(counts) {
		out = append(out, bundleSummary{
			Name:      name,
			ToolCount: counts[name],
			Revealed:  s.revealed[name],
		})
	}
	return out
}

func sortedKeysInt(m map[string]int) []string {
	b := make(map[string]bool, len(m))
	for k := range m {
		b[k] = true
	}
	return sortedKeys(b)
}

// reveal parses a comma-separated list of bundle names, registers every
// tool belonging to each as an MCP tool (server.AddTool triggers the
// tools/list_changed notification for ListChanged-capable servers), and
// returns the bundle names actually newly revealed.
func (s *Service) reveal(commaList string) []string {
	var revealed []string
	for _, name := range splitCommaList(commaList) {
		s.mu.Lock()
		alreadyRevealed := s.revealed[name]
		s.revealed[name] = true
		s.mu.Unlock()
		if alreadyRevealed {
			continue
		}
		for _, tc := range s.loader.Tools() {
			if tc.Bundle == name {
				s.registerConfigTool(tc)
			}
		}
		revealed = append(revealed, name)
	}
	return revealed
}

func splitCommaList(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, trimSpace(s[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

func (s *Service) handleSandboxedShell(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	s.sink.capture(req)
	args, err := unmarshalArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	command := stringArg(args, "command", "")
	if command == "" {
		return errResult("command is required"), nil
	}

	cwd := stringArg(args, keyWorkingDirectory, "")
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	timeout := defaultToolTimeout
	if raw, ok := args[keyTimeoutSeconds]; ok {
		if n, ok := raw.(float64); ok && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}

	ptyMode, _ := args["pty"].(bool)

	if stringArg(args, keyExecutionMode, "") != "sync" {
		id := s.adapter.ExecuteShellAsync(ctx, command, cwd, ptyMode, timeout)
		return textResult(marshalText(map[string]string{"operation_id": id})), nil
	}

	out, err := s.adapter.ExecuteShellSync(ctx, command, cwd, ptyMode, timeout)
	if err != nil {
		return errResult(err.Error()), nil
	}
	return textResult(out), nil
}

func stringSliceArg(args map[string]interface{}, key string) map[string]bool {
	raw, ok := args[key]
	if !ok {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]bool, len(list))
	for _, v := range list {
		if str, ok := v.(string); ok {
			out[str] = true
		}
	}
	return out
}
