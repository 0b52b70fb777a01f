package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// placeholderPattern matches ${...} references in task descriptions
var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Resolver substitutes ${...} references in task descriptions against
// the node's upstream scope. Supported roots:
//
//	${upstream.<node_name>.<field.path>} - a completed upstream output
//	${input.<field.path>}                - the workflow input
//	${global.<field.path>}               - the merged global context
//
// Field paths are gjson paths; a bare root (${input}) yields the whole
// document. A reference that resolves to nothing is an error — a task
// description promising data that does not exist must fail the node,
// not reach a processor half-filled.
type Resolver struct {
	logger Logger
}

// NewResolver creates an expression resolver
func NewResolver(logger Logger) *Resolver {
	return &Resolver{logger: logger}
}

// Scope is the resolution document for one node. Upstream outputs are
// keyed by template node name (what authors write in descriptions).
type Scope struct {
	Upstream map[string]json.RawMessage `json:"upstream"`
	Input    json.RawMessage            `json:"input,omitempty"`
	Global   json.RawMessage            `json:"global,omitempty"`
}

// BuildScope assembles a resolution scope from the materialized
// upstream context, mapping node-id keys to template node names
func BuildScope(upstream map[string]json.RawMessage, input, global json.RawMessage, nameOf func(nodeID string) string) *Scope {
	byName := make(map[string]json.RawMessage, len(upstream))
	for nodeID, output := range upstream {
		name := nameOf(nodeID)
		if name == "" {
			name = nodeID
		}
		byName[name] = output
	}
	return &Scope{
		Upstream: byName,
		Input:    input,
		Global:   global,
	}
}

// Resolve substitutes every ${...} reference in the description.
// Descriptions without placeholders pass through untouched.
func (r *Resolver) Resolve(description string, scope *Scope) (string, error) {
	if !strings.Contains(description, "${") {
		return description, nil
	}

	doc, err := json.Marshal(scope)
	if err != nil {
		return "", fmt.Errorf("marshal resolution scope: %w", err)
	}

	result := description
	for _, match := range placeholderPattern.FindAllStringSubmatch(description, -1) {
		placeholder := match[0]
		path := strings.TrimSpace(match[1])

		value, err := r.lookup(doc, path)
		if err != nil {
			return "", err
		}

		result = strings.Replace(result, placeholder, value, 1)
	}

	r.logger.Debug("resolved task description",
		"placeholders", len(placeholderPattern.FindAllString(description, -1)))

	return result, nil
}

// lookup evaluates one reference path against the scope document
func (r *Resolver) lookup(doc []byte, path string) (string, error) {
	root := path
	if i := strings.IndexByte(path, '.'); i >= 0 {
		root = path[:i]
	}
	switch root {
	case "upstream", "input", "global":
	default:
		return "", fmt.Errorf("unknown reference root %q in ${%s}", root, path)
	}

	result := gjson.GetBytes(doc, path)
	if !result.Exists() {
		return "", fmt.Errorf("reference ${%s} resolved to nothing", path)
	}

	switch result.Type {
	case gjson.String:
		return result.String(), nil
	default:
		// Objects, arrays, numbers, booleans render as JSON
		return result.Raw, nil
	}
}
