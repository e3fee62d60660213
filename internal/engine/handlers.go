package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/pocketbrain/pocketbrain/internal/contracts"
	"github.com/pocketbrain/pocketbrain/internal/registry"
)

const (
	memoryDir        = "memory"
	shellExecTimeout = 60 * time.Second
)

var dayPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// dispatch routes a claimed run to its tool handler. Handlers never touch
// run or proposal records; they only produce a result, captured output, and
// the artifact paths the run touched.
func (e *Engine) dispatch(ctx context.Context, p *contracts.Proposal, def *contracts.ToolDefinition) (interface{}, string, string, []string, error) {
	if def.SourceType == contracts.SourceMCP {
		return e.invokeMCPTool(ctx, p)
	}

	switch p.ToolName {
	case registry.ToolWorkspaceList:
		return e.handleWorkspaceList(p)
	case registry.ToolWorkspaceRead:
		return e.handleWorkspaceRead(p)
	case registry.ToolWorkspaceWrite:
		return e.handleWorkspaceWrite(p)
	case registry.ToolWorkspaceDelete:
		return e.handleWorkspaceDelete(p)
	case registry.ToolMemorySearch:
		return e.handleMemorySearch(p)
	case registry.ToolMemoryAppend:
		return e.handleMemoryAppend(p)
	case registry.ToolMemoryPatch:
		return e.handleMemoryPatch(p)
	case registry.ToolMemoryDeleteDay:
		return e.handleMemoryDeleteDay(p)
	case registry.ToolShellExec:
		return e.handleShellExec(ctx, p)
	default:
		return nil, "", "", nil, fmt.Errorf("no handler for tool %q", p.ToolName)
	}
}

func stringArg(args map[string]interface{}, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func optionalStringArg(args map[string]interface{}, key, fallback string) string {
	if s, ok := args[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func (e *Engine) handleWorkspaceList(p *contracts.Proposal) (interface{}, string, string, []string, error) {
	path := optionalStringArg(p.Args, "path", ".")
	entries, err := e.workspace.List(path)
	if err != nil {
		return nil, "", "", nil, err
	}
	return map[string]interface{}{"path": path, "entries": entries}, "", "", nil, nil
}

func (e *Engine) handleWorkspaceRead(p *contracts.Proposal) (interface{}, string, string, []string, error) {
	path, err := stringArg(p.Args, "path")
	if err != nil {
		return nil, "", "", nil, err
	}
	content, err := e.workspace.ReadFile(path)
	if err != nil {
		return nil, "", "", nil, err
	}
	return map[string]interface{}{"path": path, "content": content}, "", "", []string{path}, nil
}

func (e *Engine) handleWorkspaceWrite(p *contracts.Proposal) (interface{}, string, string, []string, error) {
	path, err := stringArg(p.Args, "path")
	if err != nil {
		return nil, "", "", nil, err
	}
	content, err := stringArg(p.Args, "content")
	if err != nil {
		return nil, "", "", nil, err
	}
	if err := e.workspace.WriteFile(path, content); err != nil {
		return nil, "", "", nil, err
	}
	return map[string]interface{}{"path": path, "bytes": len(content)}, "", "", []string{path}, nil
}

func (e *Engine) handleWorkspaceDelete(p *contracts.Proposal) (interface{}, string, string, []string, error) {
	path, err := stringArg(p.Args, "path")
	if err != nil {
		return nil, "", "", nil, err
	}
	if err := e.workspace.DeleteFile(path); err != nil {
		return nil, "", "", nil, err
	}
	return map[string]interface{}{"path": path, "deleted": true}, "", "", []string{path}, nil
}

func memoryDayPath(day string) string {
	return memoryDir + "/" + day + ".md"
}

func (e *Engine) handleMemorySearch(p *contracts.Proposal) (interface{}, string, string, []string, error) {
	query, err := stringArg(p.Args, "query")
	if err != nil {
		return nil, "", "", nil, err
	}
	needle := strings.ToLower(query)

	entries, err := e.workspace.List(memoryDir)
	if err != nil {
		// Nothing remembered yet is an empty result, not a failure.
		return map[string]interface{}{"query": query, "matches": []interface{}{}}, "", "", nil, nil
	}

	type match struct {
		Day  string `json:"day"`
		Line string `json:"line"`
	}
	matches := make([]match, 0)
	for _, entry := range entries {
		if entry.IsDir || !strings.HasSuffix(entry.Name, ".md") {
			continue
		}
		content, err := e.workspace.ReadFile(memoryDir + "/" + entry.Name)
		if err != nil {
			continue
		}
		day := strings.TrimSuffix(entry.Name, ".md")
		for _, line := range strings.Split(content, "\n") {
			if line != "" && strings.Contains(strings.ToLower(line), needle) {
				matches = append(matches, match{Day: day, Line: line})
			}
		}
	}
	return map[string]interface{}{"query": query, "matches": matches}, "", "", nil, nil
}

func (e *Engine) handleMemoryAppend(p *contracts.Proposal) (interface{}, string, string, []string, error) {
	text, err := stringArg(p.Args, "text")
	if err != nil {
		return nil, "", "", nil, err
	}
	day := optionalStringArg(p.Args, "day", time.Now().Format("2006-01-02"))
	if !dayPattern.MatchString(day) {
		return nil, "", "", nil, fmt.Errorf("day %q must look like YYYY-MM-DD", day)
	}

	path := memoryDayPath(day)
	if err := e.workspace.AppendFile(path, text+"\n"); err != nil {
		return nil, "", "", nil, err
	}
	return map[string]interface{}{"day": day}, "", "", []string{path}, nil
}

// handleMemoryPatch replaces one exact passage in a day's notes. The old text
// must occur exactly once so a stale patch cannot silently land elsewhere.
func (e *Engine) handleMemoryPatch(p *contracts.Proposal) (interface{}, string, string, []string, error) {
	day, err := stringArg(p.Args, "day")
	if err != nil {
		return nil, "", "", nil, err
	}
	if !dayPattern.MatchString(day) {
		return nil, "", "", nil, fmt.Errorf("day %q must look like YYYY-MM-DD", day)
	}
	oldText, err := stringArg(p.Args, "old_text")
	if err != nil {
		return nil, "", "", nil, err
	}
	if oldText == "" {
		return nil, "", "", nil, fmt.Errorf("old_text must not be empty")
	}
	newText, err := stringArg(p.Args, "new_text")
	if err != nil {
		return nil, "", "", nil, err
	}

	path := memoryDayPath(day)
	content, err := e.workspace.ReadFile(path)
	if err != nil {
		return nil, "", "", nil, fmt.Errorf("no notes for day %s: %w", day, err)
	}
	switch n := strings.Count(content, oldText); n {
	case 0:
		return nil, "", "", nil, fmt.Errorf("old_text not found in notes for %s", day)
	case 1:
	default:
		return nil, "", "", nil, fmt.Errorf("old_text occurs %d times in notes for %s, patch is ambiguous", n, day)
	}
	if err := e.workspace.WriteFile(path, strings.Replace(content, oldText, newText, 1)); err != nil {
		return nil, "", "", nil, err
	}
	return map[string]interface{}{"day": day, "patched": true}, "", "", []string{path}, nil
}

func (e *Engine) handleMemoryDeleteDay(p *contracts.Proposal) (interface{}, string, string, []string, error) {
	day, err := stringArg(p.Args, "day")
	if err != nil {
		return nil, "", "", nil, err
	}
	if !dayPattern.MatchString(day) {
		return nil, "", "", nil, fmt.Errorf("day %q must look like YYYY-MM-DD", day)
	}
	path := memoryDayPath(day)
	if err := e.workspace.DeleteFile(path); err != nil {
		return nil, "", "", nil, err
	}
	return map[string]interface{}{"day": day, "deleted": true}, "", "", []string{path}, nil
}

func (e *Engine) handleShellExec(ctx context.Context, p *contracts.Proposal) (interface{}, string, string, []string, error) {
	command, err := stringArg(p.Args, "command")
	if err != nil {
		return nil, "", "", nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, shellExecTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = e.workspace.Root()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return nil, stdout.String(), stderr.String(), nil, fmt.Errorf("failed to run command: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}
	result := map[string]interface{}{"command": command, "exit_code": exitCode}
	return result, stdout.String(), stderr.String(), nil, nil
}

func (e *Engine) invokeMCPTool(ctx context.Context, p *contracts.Proposal) (interface{}, string, string, []string, error) {
	result, err := e.invoker.Invoke(ctx, p.MCPServerID, trimToolName(p.ToolName), p.Args)
	if err != nil {
		return nil, "", "", nil, fmt.Errorf("upstream tool call failed: %w", err)
	}
	return result, "", "", nil, nil
}
