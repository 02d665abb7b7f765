// Package config loads, validates, and hot-reloads tool-definition files
// ("MTDF": Multi-Tool Definition Format).
package config

import "fmt"

// BuiltinNames is the closed set of names the McpService reserves. A tool
// definition whose name collides with one of these is rejected at load.
var BuiltinNames = map[string]bool{
	"await":           true,
	"status":          true,
	"cancel":          true,
	"discover_tools":  true,
	"sandboxed_shell": true,
}

// OptionType enumerates the CommandOption value types.
type OptionType string

const (
	OptionString  OptionType = "string"
	OptionInteger OptionType = "integer"
	OptionBoolean OptionType = "boolean"
	OptionArray   OptionType = "array"
)

// CommandOption declares one flag/positional argument a tool or subcommand
// accepts. Maps to CommandOption.
type CommandOption struct {
	Name        string                 `json:"name"`
	Type        OptionType             `json:"type"`
	Description string                 `json:"description,omitempty"`
	Required    bool                   `json:"required,omitempty"`
	Alias       string                 `json:"alias,omitempty"`
	Format      string                 `json:"format,omitempty"` // "path" triggers sandbox validation
	FileArg     bool                   `json:"file_arg,omitempty"`
	FileFlag    string                 `json:"file_flag,omitempty"`
	Positional  bool                   `json:"positional,omitempty"`
	Items       *CommandOption         `json:"items,omitempty"` // required when Type == OptionArray
	Extra       map[string]interface{} `json:"-"`
}

// SequenceStep is one entry in an ordered, fail-fast tool sequence.
type SequenceStep struct {
	Tool        string                 `json:"tool"`
	Subcommand  string                 `json:"subcommand,omitempty"`
	Description string                 `json:"description,omitempty"`
	Args        map[string]interface{} `json:"args,omitempty"`
	StepDelayMs int                    `json:"step_delay_ms,omitempty"`
}

// AvailabilityCheck is a probe command used to decide whether a tool or
// subcommand is usable on this host.
type AvailabilityCheck struct {
	Command []string `json:"command"`
}

// ToolConfig is the declarative definition of an external tool. A
// subcommand is itself a ToolConfig-shaped recursive node (name, options,
// positional args, nested subcommands, optional inline sequence).
type ToolConfig struct {
	Name               string             `json:"name"`
	Command            string             `json:"command,omitempty"`
	Description        string             `json:"description,omitempty"`
	Options            []CommandOption    `json:"options,omitempty"`
	Subcommand         []*ToolConfig      `json:"subcommand,omitempty"`
	Sequence           []SequenceStep     `json:"sequence,omitempty"`
	TimeoutSeconds     *int               `json:"timeout_seconds,omitempty"`
	Synchronous        *bool              `json:"synchronous,omitempty"`
	Enabled            *bool              `json:"enabled,omitempty"`
	AvailabilityCheck  *AvailabilityCheck `json:"availability_check,omitempty"`
	InstallInstructions string            `json:"install_instructions,omitempty"`
	GuidanceKey        string             `json:"guidance_key,omitempty"`
	Hints              []string           `json:"hints,omitempty"`

	// Bundle associates this top-level tool with a progressive-disclosure
	// bundle. Empty means "always visible".
	Bundle string `json:"bundle,omitempty"`

	// Env is this tool's EnvOverride table entry. Only meaningful at the
	// top level: subcommands and sequence steps run under the tool
	// they're dispatched against, never their own policy.
	Env *EnvPolicy `json:"env,omitempty"`

	// computed at load time, not serialized.
	disabled      bool
	disabledByProbe bool
}

// IsEnabled reports whether this node is enabled (default true), honoring
// both the declared `enabled` flag and a failed availability probe.
func (t *ToolConfig) IsEnabled() bool {
	if t.disabled || t.disabledByProbe {
		return false
	}
	if t.Enabled == nil {
		return true
	}
	return *t.Enabled
}

// ResolveSynchronous walks the inheritance chain: this node's own
// Synchronous flag, else its parent's (passed in), else false. Per
// "Subcommand routing".
func (t *ToolConfig) ResolveSynchronous(parentDefault bool) bool {
	if t.Synchronous != nil {
		return *t.Synchronous
	}
	return parentDefault
}

// ResolveTimeout walks the inheritance chain for timeout_seconds.
func (t *ToolConfig) ResolveTimeout(parentDefault int) int {
	if t.TimeoutSeconds != nil {
		return *t.TimeoutSeconds
	}
	return parentDefault
}

// FindSubcommand walks a dotted subcommand path ("git.commit") and returns
// the resolved chain of nodes from root to leaf (inclusive), or an error if
// any segment is unknown.
func (t *ToolConfig) FindSubcommand(path []string) ([]*ToolConfig, error) {
	chain := []*ToolConfig{t}
	cur := t
	for _, seg := range path {
		var next *ToolConfig
		for _, sc := range cur.Subcommand {
			if sc.Name == seg {
				next = sc
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("config: unknown subcommand %q under %q", seg, cur.Name)
		}
		chain = append(chain, next)
		cur = next
	}
	return chain, nil
}

// Validate checks structural invariants: array options must declare Items,
// and (at the top level) the name must not collide with a built-in.
func (t *ToolConfig) Validate(isTopLevel bool) error {
	if isTopLevel && BuiltinNames[t.Name] {
		return fmt.Errorf("config: tool name %q conflicts with a hardcoded built-in tool", t.Name)
	}
	if t.Env != nil && !validModes[t.Env.Mode] {
		return fmt.Errorf("config: tool %q declares unknown env mode %q", t.Name, t.Env.Mode)
	}
	for _, opt := range t.Options {
		if opt.Type == OptionArray && opt.Items == nil {
			return fmt.Errorf("config: tool %q option %q is type array but declares no items subschema", t.Name, opt.Name)
		}
	}
	for _, sub := range t.Subcommand {
		if err := sub.Validate(false); err != nil {
			return err
		}
	}
	return nil
}
