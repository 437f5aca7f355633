package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeTool struct {
	name   string
	params map[string]interface{}
	run    func(args map[string]interface{}) *Result
}

func (f *fakeTool) Name() string                       { return f.name }
func (f *fakeTool) Description() string                { return "fake" }
func (f *fakeTool) Parameters() map[string]interface{} { return f.params }
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return f.run(args)
}

func okSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{"type": "string"},
		},
		"required": []string{"text"},
	}
}

func TestRegisterRejectsBadSchemas(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]interface{}
	}{
		{"nil schema", nil},
		{"non-object root", map[string]interface{}{"type": "string"}},
		{"untyped property", map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"x": map[string]interface{}{}},
		}},
		{"required names unknown property", map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
			"required":   []string{"ghost"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Register(&fakeTool{name: "bad", params: tt.params})
			if err == nil {
				t.Error("bad schema accepted")
			}
		})
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	mk := func() Tool { return &fakeTool{name: "echo", params: okSchema()} }
	if err := r.Register(mk()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(mk()); err == nil {
		t.Error("duplicate registration accepted")
	}
}

func TestExecuteValidatesArgs(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register(&fakeTool{
		name:   "echo",
		params: okSchema(),
		run: func(args map[string]interface{}) *Result {
			called = true
			return NewResult(args["text"].(string))
		},
	})

	res := r.Execute(context.Background(), "echo", map[string]interface{}{})
	if !res.IsError || called {
		t.Error("missing required arg not rejected")
	}

	res = r.Execute(context.Background(), "echo", map[string]interface{}{"text": 42})
	if !res.IsError || called {
		t.Error("wrong-typed arg not rejected")
	}

	res = r.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	if res.IsError || res.ForLLM != "hi" || !called {
		t.Errorf("valid call failed: %+v", res)
	}
}

func TestExecuteUnknownToolIsResultNotPanic(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "nope", nil)
	if !res.IsError || !strings.Contains(res.ForLLM, "nope") {
		t.Errorf("unknown tool result = %+v", res)
	}
}

func TestDefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		r.Register(&fakeTool{name: name, params: okSchema()})
	}
	defs := r.Definitions()
	if len(defs) != 3 || defs[0].Function.Name != "alpha" || defs[2].Function.Name != "zeta" {
		t.Errorf("definitions not sorted: %+v", defs)
	}
}

func TestResolvePathBlocksEscape(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		path string
		ok   bool
	}{
		{"notes.md", true},
		{"sub/dir/file.txt", true},
		{".", true},
		{"../outside", false},
		{"sub/../../outside", false},
		{"/etc/passwd", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := resolvePath(tt.path, root)
			if (err == nil) != tt.ok {
				t.Errorf("resolvePath(%q) err=%v, want ok=%v", tt.path, err, tt.ok)
			}
		})
	}
}

func TestFileToolsRoundTrip(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	write := NewWriteFileTool(root)
	res := write.Execute(ctx, map[string]interface{}{"path": "notes/hello.txt", "content": "hi there"})
	if res.IsError {
		t.Fatalf("write failed: %s", res.ForLLM)
	}

	read := NewReadFileTool(root)
	res = read.Execute(ctx, map[string]interface{}{"path": "notes/hello.txt"})
	if res.IsError || res.ForLLM != "hi there" {
		t.Errorf("read = %+v", res)
	}

	list := NewListDirTool(root)
	res = list.Execute(ctx, map[string]interface{}{"path": "notes"})
	if res.IsError || !strings.Contains(res.ForLLM, "hello.txt") {
		t.Errorf("list = %+v", res)
	}
}

func TestShellToolRunsInWorkspace(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "marker"), []byte("x"), 0o644)

	sh := NewShellTool(root)
	res := sh.Execute(context.Background(), map[string]interface{}{"command": "ls"})
	if res.IsError || !strings.Contains(res.ForLLM, "marker") {
		t.Errorf("shell ls = %+v", res)
	}
}

func TestShellToolDeniesDangerous(t *testing.T) {
	sh := NewShellTool(t.TempDir())
	res := sh.Execute(context.Background(), map[string]interface{}{"command": "sudo rm -rf /"})
	if !res.IsError {
		t.Error("dangerous command allowed")
	}
}
