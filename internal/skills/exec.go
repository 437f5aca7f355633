package skills

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/clawlite/clawlite/internal/errs"
)

// DefaultExecTimeout bounds a skill invocation.
const DefaultExecTimeout = 120 * time.Second

// ExecResult is the captured-output contract of a skill run.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

// Execute runs a command or script skill. Arguments are substituted into
// {name} placeholders as whole argv tokens. The command line is never
// handed to a shell interpreter, so no quoting, spaces or expansion apply.
func Execute(ctx context.Context, d *Descriptor, args map[string]string, timeout time.Duration) (*ExecResult, error) {
	if !d.IsExecutable() {
		return nil, errs.New(errs.ToolNotFound, "skill %q has no command or script", d.Name)
	}
	if !d.Available {
		return nil, errs.New(errs.ChannelUnavailable, "skill %q unavailable: %s", d.Name, d.Missing)
	}
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}

	var argv []string
	switch {
	case d.Command != "":
		tokens, err := splitCommand(d.Command)
		if err != nil {
			return nil, errs.Wrap(errs.ToolInvalidArgs, err, "skill %q command", d.Name)
		}
		argv, err = substitute(tokens, args)
		if err != nil {
			return nil, err
		}
	case d.Script != "":
		script := d.Script
		if !filepath.IsAbs(script) {
			script = filepath.Join(d.Dir, script)
		}
		argv = []string{script}
		for _, v := range sortedValues(args) {
			argv = append(argv, v)
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	cmd.Dir = d.Dir
	// Own process group so a timeout kills the whole child tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: time.Since(start).Milliseconds(),
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		return result, errs.New(errs.ToolTimeout, "skill %q timed out after %s", d.Name, timeout)
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil // non-zero exit is data for the model, not an error
		}
		return result, errs.Wrap(errs.ToolFailed, err, "run skill %q", d.Name)
	}
	return result, nil
}

// substitute replaces {name} placeholders with argv tokens. A token that is
// exactly one placeholder becomes the argument value; embedded placeholders
// are replaced inline. Unknown placeholders are an error.
func substitute(tokens []string, args map[string]string) ([]string, error) {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		replaced := tok
		for {
			open := strings.IndexByte(replaced, '{')
			if open < 0 {
				break
			}
			close := strings.IndexByte(replaced[open:], '}')
			if close < 0 {
				break
			}
			name := replaced[open+1 : open+close]
			val, ok := args[name]
			if !ok {
				return nil, errs.New(errs.ToolInvalidArgs, "missing argument %q", name)
			}
			replaced = replaced[:open] + val + replaced[open+close+1:]
		}
		out = append(out, replaced)
	}
	return out, nil
}

// splitCommand tokenizes by shell-quoting rules (single and double quotes,
// backslash escapes) without invoking a shell.
func splitCommand(cmd string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inToken := false
	var quote byte

	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else if c == '\\' && quote == '"' && i+1 < len(cmd) {
				i++
				cur.WriteByte(cmd[i])
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inToken = true
		case c == '\\' && i+1 < len(cmd):
			i++
			cur.WriteByte(cmd[i])
			inToken = true
		case c == ' ' || c == '\t':
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteByte(c)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return tokens, nil
}

func sortedValues(args map[string]string) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	// Deterministic order for script positional args.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = args[k]
	}
	return vals
}
