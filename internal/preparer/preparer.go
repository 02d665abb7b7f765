// Package preparer projects a validated JSON argument map onto an argv
// vector using a tool's declared option schema, spilling oversized or
// shell-unsafe values to temp files inside the sandbox scope rather than
// ever building a shell-expanded string.
package preparer

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ahma-mcp/ahma/internal/ahmaerr"
	"github.com/ahma-mcp/ahma/internal/config"
)

// reservedRuntimeKeys are argument keys the MCP surface uses for its own
// dispatch plumbing; they are never projected into argv.
var reservedRuntimeKeys = map[string]bool{
	"args":              true,
	"working_directory": true,
	"execution_mode":    true,
	"timeout_seconds":   true,
	"subcommand":        true,
}

// spillThreshold is the byte length above which a scalar value is spilled
// to a temp file instead of passed inline.
const spillThreshold = 8 * 1024

// PathValidator canonicalizes and sandbox-validates a format:"path" value.
// Implemented by internal/sandbox; a function type to avoid an import
// cycle (sandbox does not need to know about preparer).
type PathValidator func(path, cwd string) (string, error)

// TempFileGuard owns every file Prepare spilled to disk for one operation
// and deletes them all when the operation's result has been recorded.
type TempFileGuard struct {
	files []string
}

// Close removes every spilled file. Errors are ignored: a leaked temp file
// is not worth failing an already-completed operation over.
func (g *TempFileGuard) Close() {
	for _, f := range g.files {
		_ = os.Remove(f)
	}
}

// Prepare projects args into an argv vector rooted at tc.Command, walking
// subcommandPath first. cwd and validatePath are used to resolve and
// sandbox-check any format:"path" option.
func Prepare(tc *config.ToolConfig, subcommandPath []string, args map[string]interface{}, cwd string, validatePath PathValidator) ([]string, *TempFileGuard, error) {
	chain, err := tc.FindSubcommand(subcommandPath)
	if err != nil {
		return nil, nil, ahmaerr.Wrap(ahmaerr.KindConfiguration, err, "preparer: resolve subcommand")
	}

	argv := []string{tc.Command}
	for _, node := range chain[1:] {
		argv = append(argv, node.Name)
	}

	index := buildSchemaIndex(chain)
	order := buildPositionalOrder(chain)
	guard := &TempFileGuard{}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	positionals := make(map[string][]string, len(order))
	for _, key := range keys {
		if reservedRuntimeKeys[key] {
			continue
		}
		val := args[key]

		opt, ok := index[key]
		if !ok {
			// Unknown key: dropped, never passed through as --{key}.
			continue
		}

		projected, spilled, err := projectOption(opt, val, cwd, validatePath)
		if err != nil {
			guard.Close()
			return nil, nil, err
		}
		if spilled != "" {
			guard.files = append(guard.files, spilled)
		}
		if opt.Positional {
			positionals[opt.Name] = projected
		} else {
			argv = append(argv, projected...)
		}
	}
	for _, name := range order {
		argv = append(argv, positionals[name]...)
	}

	// Raw `args` array appended verbatim at the end.
	if raw, ok := args["args"]; ok {
		extra, err := coerceStringSlice(raw)
		if err != nil {
			guard.Close()
			return nil, nil, err
		}
		argv = append(argv, extra...)
	}

	return argv, guard, nil
}

// buildSchemaIndex maps an option name (or alias) to its declaration,
// searching the whole subcommand chain so a parent's shared flags remain
// usable from a leaf call.
func buildSchemaIndex(chain []*config.ToolConfig) map[string]config.CommandOption {
	index := make(map[string]config.CommandOption)
	for _, node := range chain {
		for _, opt := range node.Options {
			index[opt.Name] = opt
			if opt.Alias != "" {
				index[opt.Alias] = opt
			}
		}
	}
	return index
}

// buildPositionalOrder returns positional option names in the order they
// are declared across the subcommand chain, so a multi-positional tool's
// argv preserves schema order rather than the caller's JSON key order.
func buildPositionalOrder(chain []*config.ToolConfig) []string {
	var order []string
	for _, node := range chain {
		for _, opt := range node.Options {
			if opt.Positional {
				order = append(order, opt.Name)
			}
		}
	}
	return order
}

// projectOption renders one option's value into zero or more argv tokens,
// returning the path of any spilled temp file (empty if none).
func projectOption(opt config.CommandOption, val interface{}, cwd string, validatePath PathValidator) (tokens []string, spilled string, err error) {
	flag := "--" + opt.Name
	if opt.Alias != "" {
		flag = "-" + opt.Alias
	}

	if opt.FileArg {
		path, err := spillToFile(cwd, val)
		if err != nil {
			return nil, "", err
		}
		fileFlag := flag
		if opt.FileFlag != "" {
			fileFlag = opt.FileFlag
		}
		return []string{fileFlag, path}, path, nil
	}

	if opt.Type == config.OptionBoolean {
		if truthy(val) {
			return []string{flag}, "", nil
		}
		return nil, "", nil
	}

	str, err := coerceString(val)
	if err != nil {
		return nil, "", err
	}

	if opt.Format == "path" && validatePath != nil {
		canon, err := validatePath(str, cwd)
		if err != nil {
			return nil, "", err
		}
		str = canon
	}

	if needsSpill(str) {
		path, err := spillToFile(cwd, str)
		if err != nil {
			return nil, "", err
		}
		if opt.Positional {
			return []string{path}, path, nil
		}
		return []string{flag, path}, path, nil
	}

	if opt.Positional {
		return []string{str}, "", nil
	}
	return []string{flag, str}, "", nil
}

// needsSpill reports whether a scalar value must be written to a temp file
// rather than passed inline on argv.
func needsSpill(s string) bool {
	if len(s) > spillThreshold {
		return true
	}
	return strings.ContainsAny(s, "\n\"'`$\\")
}

// spillToFile writes val to a new file under dir (the operation's cwd).
// Spill files live inside the sandbox scope; the OS's global temp
// directory is not an option, since NoTempFiles policies reject /tmp and
// friends outright.
func spillToFile(dir string, val interface{}) (string, error) {
	var data []byte
	switch v := val.(type) {
	case string:
		data = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", ahmaerr.Wrap(ahmaerr.KindExecution, err, "preparer: marshal spill value")
		}
		data = b
	}

	f, err := os.CreateTemp(dir, "ahma-arg-*.tmp")
	if err != nil {
		return "", ahmaerr.Wrap(ahmaerr.KindResource, err, "preparer: create spill file")
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", ahmaerr.Wrap(ahmaerr.KindResource, err, "preparer: write spill file")
	}
	return f.Name(), nil
}

func truthy(val interface{}) bool {
	switch v := val.(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case float64:
		return v != 0
	default:
		return false
	}
}

// coerceString renders a scalar JSON value to its CLI string form. Arrays
// join with spaces; null/objects are dropped (empty string).
func coerceString(val interface{}) (string, error) {
	switch v := val.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), nil
		}
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, err := coerceString(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, " "), nil
	case map[string]interface{}:
		return "", nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func coerceStringSlice(val interface{}) ([]string, error) {
	arr, ok := val.([]interface{})
	if !ok {
		return nil, ahmaerr.New(ahmaerr.KindConfiguration, "preparer: raw args value must be an array")
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, err := coerceString(item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
