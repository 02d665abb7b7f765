// Package mcpservice implements the MCP server role: `tools/list`,
// `tools/call`, and the five built-in tools (`await`, `status`, `cancel`,
// `discover_tools`, `sandboxed_shell`).
//
// Dynamic, runtime-loaded tool definitions are registered as schema-only
// tools (*jsonschema.Schema built from CommandOptions) dispatched through
// a single untyped handler — one tagged-variant dispatch, not one Go type
// per config file.
package mcpservice

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ahma-mcp/ahma/internal/adapter"
	"github.com/ahma-mcp/ahma/internal/config"
	"github.com/ahma-mcp/ahma/internal/opmonitor"
	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/time/rate"
)

// statusPollRate and statusPollBurst bound the advisory-only rate
// enforcement leaves to the implementer: "the source includes a
// 'status polling anti-pattern' hint template but no enforcement." A caller
// that exceeds this rate still gets its snapshot; it just also gets nudged
// toward await.
const (
	statusPollRate  = 2 // calls per second
	statusPollBurst = 5
)

// minAwaitTimeout is the floor of the intelligent-timeout computation.
const minAwaitTimeout = 240 * time.Second

// defaultToolTimeout is used when a tool config declares no timeout_seconds
// anywhere in its inheritance chain.
const defaultToolTimeout = 60 * time.Second

// reservedTopLevelKeys are consumed by the service layer itself, never
// forwarded to the Preparer as tool options.
const (
	keyWorkingDirectory = "working_directory"
	keyExecutionMode    = "execution_mode"
	keyTimeoutSeconds   = "timeout_seconds"
	keySubcommand       = "subcommand"
)

// Service wires the ConfigLoader, Adapter, and OperationMonitor into a
// running *gomcp.Server "holds the shared Adapter,
// OperationMonitor, config map, bundle-disclosure set" contract.
type Service struct {
	loader  *config.Loader
	adapter *adapter.Adapter
	monitor *opmonitor.Monitor

	server *gomcp.Server

	mu       sync.Mutex
	revealed map[string]bool // bundle name -> revealed
	regd     map[string]bool // tool name -> already AddTool'd

	sink *sessionSink

	// statusLimiter tracks the advisory polling rate per caller session;
	// a stdio-mode server has exactly one session, so one limiter suffices.
	statusLimiter *rate.Limiter
}

// sessionSink captures the one *gomcp.ServerSession a stdio-mode server
// talks to, learned from the Session field of whichever request arrives
// first, and forwards NotifyProgress calls to it once known. Calls made
// before any request has arrived are dropped; the notifpump only starts
// draining after the first tool call anyway since there is nothing to
// report before that.
type sessionSink struct {
	mu      sync.Mutex
	session *gomcp.ServerSession
}

func (s *sessionSink) capture(req *gomcp.CallToolRequest) {
	if req == nil || req.Session == nil {
		return
	}
	s.mu.Lock()
	s.session = req.Session
	s.mu.Unlock()
}

func (s *sessionSink) NotifyProgress(ctx context.Context, params *gomcp.ProgressNotificationParams) error {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.NotifyProgress(ctx, params)
}

// New builds a Service and its underlying *gomcp.Server, registering every
// always-visible (non-bundled) loaded tool plus the five built-ins.
// Bundled tools stay unregistered until discover_tools reveals them.
func New(name, version string, loader *config.Loader, a *adapter.Adapter, monitor *opmonitor.Monitor) *Service {
	s := &Service{
		loader:        loader,
		adapter:       a,
		monitor:       monitor,
		revealed:      make(map[string]bool),
		regd:          make(map[string]bool),
		sink:          &sessionSink{},
		statusLimiter: rate.NewLimiter(statusPollRate, statusPollBurst),
	}
	s.server = gomcp.NewServer(&gomcp.Implementation{Name: name, Version: version}, &gomcp.ServerOptions{
		Capabilities: &gomcp.ServerCapabilities{
			Tools: &gomcp.ToolCapabilities{ListChanged: true},
		},
	})

	s.registerBuiltins()
	s.registerAlwaysVisible()
	return s
}

// Server returns the underlying MCP server, ready for Run(ctx, transport).
func (s *Service) Server() *gomcp.Server {
	return s.server
}

// SessionSink returns the progress-notification target the NotificationPump
// should drain into. It starts out empty and begins forwarding as soon as
// the first request from the connected peer reveals its session.
func (s *Service) SessionSink() *sessionSink {
	return s.sink
}

func (s *Service) registerAlwaysVisible() {
	for _, tc := range s.loader.Tools() {
		if tc.Bundle == "" {
			s.registerConfigTool(tc)
		}
	}
}

// ApplyReload is the ConfigLoader.Watch consumer's hook: register every
// newly added or changed non-bundled tool, drop every removed one from
// tools/list, and emit notifications/tools/list_changed to all connected
// peers. Revealed bundled tools and already-registered unchanged tools are
// left alone.
func (s *Service) ApplyReload(ev config.ReloadEvent) {
	for _, name := range ev.Removed {
		s.mu.Lock()
		delete(s.regd, name)
		s.mu.Unlock()
		s.server.RemoveTool(name)
	}

	for _, name := range append(append([]string{}, ev.Added...), ev.Changed...) {
		tc, ok := s.loader.Get(name)
		if !ok {
			continue
		}
		s.mu.Lock()
		s.regd[name] = false // force re-registration below, even if previously registered
		s.mu.Unlock()
		if tc.Bundle == "" {
			s.registerConfigTool(tc)
		}
	}
}

func (s *Service) registerConfigTool(tc *config.ToolConfig) {
	s.mu.Lock()
	if s.regd[tc.Name] {
		s.mu.Unlock()
		return
	}
	s.regd[tc.Name] = true
	s.mu.Unlock()

	s.server.AddTool(&gomcp.Tool{
		Name:        tc.Name,
		Description: tc.Description,
		InputSchema: config.BuildInputSchema(tc),
	}, func(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		return s.dispatchConfigTool(ctx, tc, req)
	})
}

// dispatchConfigTool resolves a dotted subcommand path, the effective
// synchronous/timeout inheritance chain, and routes to ExecuteSync or
// ExecuteAsync "tagged variant, single match" dispatch.
func (s *Service) dispatchConfigTool(ctx context.Context, tc *config.ToolConfig, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	s.sink.capture(req)
	args, err := unmarshalArgs(req)
	if err != nil {
		return errResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	var subPath []string
	if raw, ok := args[keySubcommand]; ok {
		if s, ok := raw.(string); ok && s != "" {
			subPath = strings.Split(s, ".")
		}
	}

	chain, err := tc.FindSubcommand(subPath)
	if err != nil {
		return errResult(err.Error()), nil
	}

	cwd := stringArg(args, keyWorkingDirectory, "")
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	timeout := resolveTimeoutChain(chain, defaultToolTimeout)
	if raw, ok := args[keyTimeoutSeconds]; ok {
		if n, ok := raw.(float64); ok && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}

	sync := resolveSyncChain(chain, false)
	if mode := stringArg(args, keyExecutionMode, ""); mode != "" {
		sync = mode == "sync"
	}

	retry := adapter.DefaultRetryPolicy()

	if sync {
		out, err := s.adapter.ExecuteSync(ctx, tc, subPath, args, cwd, timeout, &retry)
		if err != nil {
			return errResult(fmt.Sprintf("%s: %v", out, err)), nil
		}
		return textResult(out), nil
	}

	id := s.adapter.ExecuteAsync(ctx, tc, subPath, args, cwd, timeout, &retry)
	return textResult(fmt.Sprintf(`{"operation_id":%q,"hint":"call await or status with this operation_id to observe completion"}`, id)), nil
}

func resolveSyncChain(chain []*config.ToolConfig, start bool) bool {
	cur := start
	for _, node := range chain {
		cur = node.ResolveSynchronous(cur)
	}
	return cur
}

func resolveTimeoutChain(chain []*config.ToolConfig, start time.Duration) time.Duration {
	cur := int(start.Seconds())
	for _, node := range chain {
		cur = node.ResolveTimeout(cur)
	}
	return time.Duration(cur) * time.Second
}

func unmarshalArgs(req *gomcp.CallToolRequest) (map[string]interface{}, error) {
	args := make(map[string]interface{})
	if req.Params == nil || len(req.Params.Arguments) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func stringArg(args map[string]interface{}, key, def string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func textResult(text string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{Content: []gomcp.Content{&gomcp.TextContent{Text: text}}}
}

func errResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		IsError: true,
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
	}
}

func marshalText(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(data)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
