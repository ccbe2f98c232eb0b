// Package tools defines the tool interface and registry for edagate.
// Each tool declares its parameters once; the MCP server and the JSON API
// both derive their schemas and argument checks from that declaration.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/edagate/internal/observability"
)

var (
	// ErrUnknownTool is returned by Invoke for names not in the registry.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArgs wraps every argument validation failure.
	ErrInvalidArgs = errors.New("invalid arguments")
)

// ParamType is the JSON type of a tool parameter.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeNumber ParamType = "number"
)

// Param describes one tool parameter.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Default     any      // applied by Validate when the argument is absent
	Enum        []string // allowed values for string parameters
}

// Tool is the interface all edagate tools implement.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "run_yosys_synthesis").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// Params declares the accepted arguments.
	Params() []Param

	// Execute runs the tool. args have passed Validate, so required values
	// are present, defaults are filled in and types match the declaration.
	Execute(ctx context.Context, args Args) (*Result, error)
}

// Result is the outcome of a tool execution. Output is the human-readable
// text returned to the caller; Success is false for tool-level failures
// such as a failed synthesis run.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// MaxOutputBytes is the default cap for tool output to prevent OOM.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Args holds validated tool arguments.
type Args map[string]any

// String returns the string argument key, or "" when absent.
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Float returns the numeric argument key, or 0 when absent.
func (a Args) Float(key string) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// InputSchema returns the JSON Schema object for a tool's parameters.
func InputSchema(t Tool) map[string]any {
	props := make(map[string]any)
	required := []string{}
	for _, p := range t.Params() {
		prop := map[string]any{
			"type":        string(p.Type),
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Validate checks raw arguments against the tool's declared parameters and
// returns them with defaults applied. Unknown keys are dropped.
func Validate(t Tool, raw map[string]any) (Args, error) {
	out := make(Args, len(raw))
	for _, p := range t.Params() {
		v, ok := raw[p.Name]
		if !ok || v == nil {
			if p.Required {
				return nil, fmt.Errorf("%w: missing required parameter: %s", ErrInvalidArgs, p.Name)
			}
			if p.Default != nil {
				out[p.Name] = p.Default
			}
			continue
		}
		switch p.Type {
		case TypeString:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: parameter %s must be a string, got %T", ErrInvalidArgs, p.Name, v)
			}
			if p.Required && s == "" {
				return nil, fmt.Errorf("%w: parameter %s must not be empty", ErrInvalidArgs, p.Name)
			}
			if len(p.Enum) > 0 && !slices.Contains(p.Enum, s) {
				return nil, fmt.Errorf("%w: parameter %s must be one of %v", ErrInvalidArgs, p.Name, p.Enum)
			}
			out[p.Name] = s
		case TypeNumber:
			f, ok := toFloat(v)
			if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("%w: parameter %s must be a number, got %T", ErrInvalidArgs, p.Name, v)
			}
			out[p.Name] = f
		}
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	logger  *slog.Logger
	metrics *observability.MetricsCollector
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

// WithMetrics records invocation counts and durations.
func (r *Registry) WithMetrics(m *observability.MetricsCollector) *Registry {
	r.metrics = m
	return r
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered tools, sorted by name.
func (r *Registry) All() []Tool {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(names))
	for _, name := range names {
		result = append(result, r.tools[name])
	}
	return result
}

// Invoke validates args and runs the named tool.
func (r *Registry) Invoke(ctx context.Context, name string, raw map[string]any) (*Result, error) {
	t := r.Get(name)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	args, err := Validate(t, raw)
	if err != nil {
		r.metrics.RecordToolInvocation(name, "invalid", 0)
		return nil, err
	}

	start := time.Now()
	res, err := t.Execute(ctx, args)
	elapsed := time.Since(start)

	status := "success"
	switch {
	case err != nil:
		status = "error"
	case !res.Success:
		status = "failure"
	}
	r.metrics.RecordToolInvocation(name, status, elapsed)

	if err != nil {
		r.logger.Warn("tool invocation failed",
			slog.String("tool", name),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	res.Output = TruncateOutput(res.Output, MaxOutputBytes)
	r.logger.Info("tool invoked",
		slog.String("tool", name),
		slog.Bool("success", res.Success),
		slog.Duration("duration", elapsed),
	)
	return res, nil
}
