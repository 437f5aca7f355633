// Package tools holds the built-in tool registry exposed to the agent
// loop. Each tool declares a JSON-schema parameter block; the registry
// validates declarations at registration and arguments at call time.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clawlite/clawlite/internal/errs"
	"github.com/clawlite/clawlite/internal/providers"
)

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry maps tool names to implementations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, rejecting malformed parameter schemas up front
// so a bad declaration fails at boot rather than mid-conversation.
func (r *Registry) Register(t Tool) error {
	if t.Name() == "" {
		return fmt.Errorf("tool with empty name")
	}
	if err := checkSchema(t.Parameters()); err != nil {
		return fmt.Errorf("tool %s: %w", t.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name()]; dup {
		return fmt.Errorf("tool %s registered twice", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions renders the registry in provider wire form.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Function.Name < defs[j].Function.Name
	})
	return defs
}

// Execute validates args against the tool's schema and runs it. An
// unknown name or invalid args come back as an error Result, not an
// error return; the model sees the failure and can correct itself.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(errs.New(errs.ToolNotFound, "unknown tool %q", name).Error())
	}
	if err := validateArgs(t.Parameters(), args); err != nil {
		return ErrorResult(errs.Wrap(errs.ToolInvalidArgs, err, "tool %s", name).Error())
	}

	start := time.Now()
	result := t.Execute(ctx, args)
	slog.Debug("tool.executed",
		"tool", name,
		"session", SessionFromCtx(ctx),
		"duration_ms", time.Since(start).Milliseconds(),
		"is_error", result.IsError,
	)
	return result
}

// checkSchema enforces the subset of JSON schema the registry supports:
// a top-level object with typed properties and a required list naming
// declared properties only.
func checkSchema(schema map[string]interface{}) error {
	if schema == nil {
		return fmt.Errorf("nil parameter schema")
	}
	if typ, _ := schema["type"].(string); typ != "object" {
		return fmt.Errorf("parameter schema type must be object")
	}
	props, _ := schema["properties"].(map[string]interface{})
	for name, raw := range props {
		prop, ok := raw.(map[string]interface{})
		if !ok {
			return fmt.Errorf("property %s is not an object", name)
		}
		if _, ok := prop["type"].(string); !ok {
			return fmt.Errorf("property %s missing type", name)
		}
	}
	required, _ := schema["required"].([]string)
	for _, name := range required {
		if _, ok := props[name]; !ok {
			return fmt.Errorf("required property %s not declared", name)
		}
	}
	return nil
}

func validateArgs(schema, args map[string]interface{}) error {
	props, _ := schema["properties"].(map[string]interface{})
	required, _ := schema["required"].([]string)

	for _, name := range required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required argument %q", name)
		}
	}
	for name, value := range args {
		raw, ok := props[name]
		if !ok {
			return fmt.Errorf("unknown argument %q", name)
		}
		prop, _ := raw.(map[string]interface{})
		want, _ := prop["type"].(string)
		if !typeMatches(want, value) {
			return fmt.Errorf("argument %q: expected %s", name, want)
		}
	}
	return nil
}

func typeMatches(want string, value interface{}) bool {
	if value == nil {
		return true
	}
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "number", "integer":
		switch value.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	}
	return true
}
