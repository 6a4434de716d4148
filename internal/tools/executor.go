// Package tools implements the workspace tool surface exposed to the model.
//
// An [Executor] binds the seven tools (read_file, write_file, edit_file,
// bash, glob, grep, list_directory) to one workspace sandbox. Every path
// argument passes through [safety.Sandbox.Resolve]; shell commands pass the
// blocked-pattern filter before they run. Tool failures never escape as
// errors: they are folded into the returned [Result] so the model can react
// to them.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/worktalk/worktalk/internal/safety"
)

// maxOutput is the upper bound on tool output returned to the model, in runes.
const maxOutput = 50_000

// maxGlobMatches caps the number of paths a glob result lists.
const maxGlobMatches = 500

// maxGrepResults caps the number of matching lines a grep result lists.
const maxGrepResults = 200

// Result is the outcome of a single tool invocation. Output carries either
// the tool's payload or, when Success is false, a human-readable failure
// message the model can act on.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// Executor runs tools against a single workspace. It is safe for concurrent
// use; all mutable state lives on the filesystem.
type Executor struct {
	sandbox        *safety.Sandbox
	blocked        []string
	commandTimeout time.Duration
}

// NewExecutor returns an executor bound to sandbox. blockedCommands is the
// substring deny-list applied to bash commands; commandTimeout is the default
// bash timeout used when the tool input does not supply one.
func NewExecutor(sandbox *safety.Sandbox, blockedCommands []string, commandTimeout time.Duration) *Executor {
	return &Executor{
		sandbox:        sandbox,
		blocked:        blockedCommands,
		commandTimeout: commandTimeout,
	}
}

// Execute runs the named tool with the given JSON input and returns its
// result. Unknown tools, bad input, sandbox escapes and I/O failures all
// come back as Result{Success: false}; Execute never returns an error to
// the caller.
func (e *Executor) Execute(ctx context.Context, name string, input json.RawMessage) Result {
	res, err := e.dispatch(ctx, name, input)
	if err == nil {
		return res
	}
	var escErr *safety.EscapeError
	if errors.As(err, &escErr) {
		return Result{Output: fmt.Sprintf("Safety error: %s", escErr)}
	}
	slog.Error("tool execution failed", "tool", name, "error", err)
	return Result{Output: fmt.Sprintf("Error: %s", err)}
}

func (e *Executor) dispatch(ctx context.Context, name string, input json.RawMessage) (Result, error) {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	switch name {
	case "read_file":
		var args struct {
			Path   string `json:"path"`
			Offset *int   `json:"offset"`
			Limit  *int   `json:"limit"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return Result{}, err
		}
		return e.readFile(args.Path, args.Offset, args.Limit)
	case "write_file":
		var args struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return Result{}, err
		}
		return e.writeFile(args.Path, args.Content)
	case "edit_file":
		var args struct {
			Path    string `json:"path"`
			OldText string `json:"old_text"`
			NewText string `json:"new_text"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return Result{}, err
		}
		return e.editFile(args.Path, args.OldText, args.NewText)
	case "bash":
		var args struct {
			Command string `json:"command"`
			Timeout *int   `json:"timeout"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return Result{}, err
		}
		return e.bash(ctx, args.Command, args.Timeout)
	case "glob":
		var args struct {
			Pattern string `json:"pattern"`
			Path    string `json:"path"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return Result{}, err
		}
		return e.glob(args.Pattern, args.Path)
	case "grep":
		var args struct {
			Pattern string `json:"pattern"`
			Path    string `json:"path"`
			Include string `json:"include"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return Result{}, err
		}
		return e.grep(args.Pattern, args.Path, args.Include)
	case "list_directory":
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return Result{}, err
		}
		return e.listDirectory(args.Path)
	default:
		return Result{Output: fmt.Sprintf("Unknown tool: %s", name)}, nil
	}
}

func (e *Executor) readFile(inputPath string, offset, limit *int) (Result, error) {
	path, err := e.sandbox.Resolve(inputPath)
	if err != nil {
		return Result{}, err
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Result{Output: fmt.Sprintf("File not found: %s", inputPath)}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	text := strings.ToValidUTF8(string(raw), "�")
	lines := splitAfterLines(text)

	if offset != nil {
		start := max(0, *offset-1) // 1-based to 0-based
		if start >= len(lines) {
			lines = nil
		} else {
			lines = lines[start:]
		}
	}
	if limit != nil && *limit < len(lines) {
		lines = lines[:max(0, *limit)]
	}

	output := strings.Join(lines, "")
	if truncated, ok := truncateRunes(output, maxOutput); ok {
		output = truncated + fmt.Sprintf("\n... (truncated, %d total chars)", utf8.RuneCountInString(text))
	}
	return Result{Success: true, Output: output}, nil
}

func (e *Executor) writeFile(inputPath, content string) (Result, error) {
	path, err := e.sandbox.Resolve(inputPath)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Result{}, err
	}
	return Result{
		Success: true,
		Output:  fmt.Sprintf("Wrote %d chars to %s", utf8.RuneCountInString(content), inputPath),
	}, nil
}

func (e *Executor) editFile(inputPath, oldText, newText string) (Result, error) {
	path, err := e.sandbox.Resolve(inputPath)
	if err != nil {
		return Result{}, err
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Result{Output: fmt.Sprintf("File not found: %s", inputPath)}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	text := string(raw)

	switch count := strings.Count(text, oldText); {
	case count == 0:
		return Result{Output: "old_text not found in file"}, nil
	case count > 1:
		return Result{Output: fmt.Sprintf("old_text found %d times — must be unique", count)}, nil
	}

	text = strings.Replace(text, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return Result{}, err
	}
	return Result{Success: true, Output: "Edit applied"}, nil
}

func (e *Executor) bash(ctx context.Context, command string, timeout *int) (Result, error) {
	if pattern := safety.CheckCommand(command, e.blocked); pattern != "" {
		return Result{Output: fmt.Sprintf("Blocked command pattern: %s", pattern)}, nil
	}

	timeoutSecs := int(e.commandTimeout / time.Second)
	if timeout != nil {
		timeoutSecs = *timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = e.sandbox.Root()
	cmd.Env = os.Environ()
	if home, err := os.UserHomeDir(); err == nil {
		cmd.Env = append(cmd.Env, "HOME="+home)
	}
	// Own process group so cancellation kills the whole tree, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Result{Output: fmt.Sprintf("Command timed out after %ds", timeoutSecs)}, nil
	}

	output := strings.ToValidUTF8(buf.String(), "�")
	if truncated, ok := truncateRunes(output, maxOutput); ok {
		output = truncated + "\n... (truncated)"
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return Result{Output: fmt.Sprintf("Exit code %d\n%s", exitErr.ExitCode(), output)}, nil
		}
		return Result{}, runErr
	}
	return Result{Success: true, Output: output}, nil
}

func (e *Executor) glob(pattern, inputPath string) (Result, error) {
	base, err := e.searchBase(inputPath)
	if err != nil {
		return Result{}, err
	}

	var matches []string
	walkErr := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return nil
		}
		ok, matchErr := doublestar.Match(pattern, filepath.ToSlash(rel))
		if matchErr != nil {
			return matchErr
		}
		if !ok {
			return nil
		}
		if relRoot, relErr := filepath.Rel(e.sandbox.Root(), path); relErr == nil {
			matches = append(matches, relRoot)
		}
		return nil
	})
	if walkErr != nil {
		return Result{}, walkErr
	}

	if len(matches) == 0 {
		return Result{Success: true, Output: "No matches found"}, nil
	}
	slices.Sort(matches)

	output := strings.Join(matches[:min(len(matches), maxGlobMatches)], "\n")
	if len(matches) > maxGlobMatches {
		output += fmt.Sprintf("\n... (%d total matches)", len(matches))
	}
	return Result{Success: true, Output: output}, nil
}

func (e *Executor) grep(pattern, inputPath, include string) (Result, error) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return Result{Output: fmt.Sprintf("Invalid regex: %s", err)}, nil
	}

	base, err := e.searchBase(inputPath)
	if err != nil {
		return Result{}, err
	}
	root := e.sandbox.Root()

	searchFile := func(path string) []string {
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		var hits []string
		text := strings.ToValidUTF8(string(raw), "�")
		for i, line := range splitLines(text) {
			if regex.MatchString(line) {
				hits = append(hits, fmt.Sprintf("%s:%d: %s", rel, i+1, line))
			}
		}
		return hits
	}

	var results []string
	if info, statErr := os.Stat(base); statErr == nil && info.Mode().IsRegular() {
		results = searchFile(base)
	} else {
		if include == "" {
			include = "**/*"
		}
		walkErr := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(base, path)
			if relErr != nil {
				return nil
			}
			ok, matchErr := doublestar.Match(include, filepath.ToSlash(rel))
			if matchErr != nil {
				return matchErr
			}
			if !ok {
				return nil
			}
			relRoot, relErr := filepath.Rel(root, path)
			if relErr != nil || hasHiddenSegment(relRoot) {
				return nil
			}
			results = append(results, searchFile(path)...)
			if len(results) >= maxGrepResults {
				return fs.SkipAll
			}
			return nil
		})
		if walkErr != nil {
			return Result{}, walkErr
		}
	}

	if len(results) == 0 {
		return Result{Success: true, Output: "No matches found"}, nil
	}
	output := strings.Join(results[:min(len(results), maxGrepResults)], "\n")
	if len(results) > maxGrepResults {
		output += fmt.Sprintf("\n... (%d total matches)", len(results))
	}
	return Result{Success: true, Output: output}, nil
}

func (e *Executor) listDirectory(inputPath string) (Result, error) {
	base, err := e.searchBase(inputPath)
	if err != nil {
		return Result{}, err
	}
	display := inputPath
	if display == "" {
		display = "."
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		return Result{Output: fmt.Sprintf("Not a directory: %s", display)}, nil
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		isDir := entry.IsDir()
		if !isDir && entry.Type()&fs.ModeSymlink != 0 {
			if info, statErr := os.Stat(filepath.Join(base, name)); statErr == nil {
				isDir = info.IsDir()
			}
		}
		if isDir {
			name += "/"
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return Result{Success: true, Output: "(empty directory)"}, nil
	}
	return Result{Success: true, Output: strings.Join(names, "\n")}, nil
}

// searchBase resolves an optional path argument, defaulting to the sandbox root.
func (e *Executor) searchBase(inputPath string) (string, error) {
	if inputPath == "" {
		return e.sandbox.Root(), nil
	}
	return e.sandbox.Resolve(inputPath)
}

// splitAfterLines splits text into lines with their terminators preserved.
// Unlike [strings.SplitAfter] it yields no empty trailing element.
func splitAfterLines(text string) []string {
	lines := strings.SplitAfter(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

// splitLines splits text into lines without terminators.
func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

// hasHiddenSegment reports whether any path segment of rel starts with a dot.
func hasHiddenSegment(rel string) bool {
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// truncateRunes shortens s to at most n runes, reporting whether it did.
func truncateRunes(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	return string([]rune(s)[:n]), true
}
