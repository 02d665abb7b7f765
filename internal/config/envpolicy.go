package config

import "strings"

// EnvMode selects how a tool's ShellPool environment is derived from the
// ahma process's own environment.
type EnvMode string

const (
	// EnvInherit passes the worker process's environment through
	// unchanged. The zero value, and the default when Env is nil.
	EnvInherit EnvMode = "inherit"
	// EnvExclude inherits everything except the named Keys.
	EnvExclude EnvMode = "exclude"
	// EnvSet inherits everything, then overlays Set.
	EnvSet EnvMode = "set"
	// EnvIncludeOnly keeps only the named Keys, dropping everything else
	// before overlaying Set.
	EnvIncludeOnly EnvMode = "include_only"
)

// EnvPolicy is one tool's entry in the EnvOverride table.
type EnvPolicy struct {
	Mode EnvMode           `json:"mode,omitempty"`
	Keys []string          `json:"keys,omitempty"`
	Set  map[string]string `json:"set,omitempty"`
}

// Resolve derives the final environment map for a command run under this
// policy, starting from base (ordinarily os.Environ()). A nil policy, or
// one with no Mode set, returns nil: "no override", meaning the ShellPool
// worker keeps running with its own unmodified environment.
func (p *EnvPolicy) Resolve(base []string) map[string]string {
	if p == nil || p.Mode == "" || p.Mode == EnvInherit {
		return nil
	}

	result := make(map[string]string, len(base))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			result[k] = v
		}
	}

	switch p.Mode {
	case EnvExclude:
		for _, k := range p.Keys {
			delete(result, k)
		}
	case EnvIncludeOnly:
		allowed := make(map[string]bool, len(p.Keys))
		for _, k := range p.Keys {
			allowed[k] = true
		}
		for k := range result {
			if !allowed[k] {
				delete(result, k)
			}
		}
	}

	for k, v := range p.Set {
		result[k] = v
	}
	return result
}

// validModes is consulted by Validate so a typo'd mode fails fast at load
// time instead of silently behaving like EnvInherit.
var validModes = map[EnvMode]bool{
	"":             true, // unset: behaves as EnvInherit
	EnvInherit:     true,
	EnvExclude:     true,
	EnvSet:         true,
	EnvIncludeOnly: true,
}
