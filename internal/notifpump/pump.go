// Package notifpump drains newly-terminated operations from the
// OperationMonitor and pushes notifications/progress to the connected MCP
// peer.
//
// It runs as a ticker-driven pull loop rather than a callback, since
// DrainNewCompletions is a pull, not a push, API: the monitor never calls
// back into anything that observes it.
package notifpump

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ahma-mcp/ahma/internal/opmonitor"
	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// DrainInterval is how often the pump polls for newly-terminated
// operations.
const DrainInterval = 250 * time.Millisecond

// brokenProgressClients names MCP clients (by clientInfo.name received at
// initialize) known to mishandle unsolicited progress notifications whose
// token does not correspond to a request they issued. Populated by name as
// specific client bugs are identified; empty today.
var brokenProgressClients = map[string]bool{}

// progressNotifier is the subset of *gomcp.ServerSession the pump needs,
// declared locally so tests can substitute a recording double.
type progressNotifier interface {
	NotifyProgress(ctx context.Context, params *gomcp.ProgressNotificationParams) error
}

// Pump drives one session's progress notifications from one Monitor. Each
// connected session owns its own Pump and its own drain cursor and
// already-notified set, so two sessions never suppress each other's view
// of the same completion history.
type Pump struct {
	monitor *opmonitor.Monitor
	session progressNotifier
	skip    bool

	mu       sync.Mutex
	cursor   opmonitor.Cursor
	notified map[string]bool
}

// New creates a Pump for session, silently skipping delivery if clientName
// (from the initialize handshake's clientInfo.name) is a known-broken
// progress-notification consumer.
func New(monitor *opmonitor.Monitor, session progressNotifier, clientName string) *Pump {
	return &Pump{
		monitor:  monitor,
		session:  session,
		skip:     brokenProgressClients[clientName],
		notified: make(map[string]bool),
	}
}

// Run polls the monitor every DrainInterval until ctx is cancelled,
// delivering each newly-terminal operation's snapshot at most once.
func (p *Pump) Run(ctx context.Context) {
	ticker := time.NewTicker(DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drainOnce(ctx)
		}
	}
}

func (p *Pump) drainOnce(ctx context.Context) {
	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()

	completions, next := p.monitor.DrainNewCompletions(cursor)

	p.mu.Lock()
	p.cursor = next
	p.mu.Unlock()

	if p.skip {
		return
	}

	for _, snap := range completions {
		p.mu.Lock()
		already := p.notified[snap.ID]
		p.notified[snap.ID] = true
		p.mu.Unlock()
		if already {
			continue
		}
		p.notify(ctx, snap)
	}
}

// progressMessage is the structured payload describes for
// each notification: operation_id, status, message, output, plus a
// terminal-state hint steering the agent toward await instead of polling.
type progressMessage struct {
	OperationID string          `json:"operation_id"`
	Status      opmonitor.State `json:"status"`
	Message     string          `json:"message,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Hint        string          `json:"hint,omitempty"`
}

func (p *Pump) notify(ctx context.Context, snap opmonitor.Snapshot) {
	msg := progressMessage{
		OperationID: snap.ID,
		Status:      snap.State,
		Output:      snap.Result,
		Hint:        "operation reached a terminal state; call await to retrieve the final result rather than polling status",
	}
	if snap.Reason != "" {
		msg.Message = snap.Reason
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	_ = p.session.NotifyProgress(ctx, &gomcp.ProgressNotificationParams{
		ProgressToken: snap.ID,
		Message:       string(data),
	})
}
