package config

import (
	"github.com/google/jsonschema-go/jsonschema"
)

// BuildInputSchema projects a ToolConfig's declared options into a JSON
// Schema object usable as an MCP Tool's InputSchema. Dotted subcommand
// routing is exposed as a "subcommand" string enum plus the union of every
// reachable leaf's options, since MCP tools are registered once per
// top-level name, not once per subcommand.
func BuildInputSchema(tc *ToolConfig) *jsonschema.Schema {
	props := make(map[string]*jsonschema.Schema)
	var required []string

	collectOptions(tc, props, &required)

	if len(tc.Subcommand) > 0 {
		var names []string
		var walk func(prefix string, subs []*ToolConfig)
		walk = func(prefix string, subs []*ToolConfig) {
			for _, sc := range subs {
				names = append(names, prefix+sc.Name)
				walk(prefix+sc.Name+".", sc.Subcommand)
			}
		}
		walk("", tc.Subcommand)
		for _, sc := range tc.Subcommand {
			collectOptionsRecursive(sc, props)
		}
		props["subcommand"] = &jsonschema.Schema{
			Type: "string",
			Enum: toAnySlice(names),
		}
	}

	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

func collectOptions(tc *ToolConfig, props map[string]*jsonschema.Schema, required *[]string) {
	for _, opt := range tc.Options {
		props[opt.Name] = optionSchema(opt)
		if opt.Required {
			*required = append(*required, opt.Name)
		}
	}
}

// collectOptionsRecursive merges a subcommand's own options into the
// parent's property map (best-effort union; conflicting names from
// different subcommands are last-write-wins, since the MCP schema is a
// single flat surface shared across the dotted routing space).
func collectOptionsRecursive(tc *ToolConfig, props map[string]*jsonschema.Schema) {
	for _, opt := range tc.Options {
		props[opt.Name] = optionSchema(opt)
	}
	for _, sub := range tc.Subcommand {
		collectOptionsRecursive(sub, props)
	}
}

func optionSchema(opt CommandOption) *jsonschema.Schema {
	s := &jsonschema.Schema{
		Description: opt.Description,
	}
	switch opt.Type {
	case OptionInteger:
		s.Type = "integer"
	case OptionBoolean:
		s.Type = "boolean"
	case OptionArray:
		s.Type = "array"
		if opt.Items != nil {
			s.Items = optionSchema(*opt.Items)
		}
	default:
		s.Type = "string"
	}
	if opt.Format == "path" {
		s.Format = "path"
	}
	return s
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
