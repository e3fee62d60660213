// Package registry holds the compiled-in catalog of invocable capabilities.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pocketbrain/pocketbrain/internal/contracts"
)

// Built-in tool ids
const (
	ToolWorkspaceList   = "workspace.list"
	ToolWorkspaceRead   = "workspace.read_file"
	ToolWorkspaceWrite  = "workspace.write_file"
	ToolWorkspaceDelete = "workspace.delete_file"
	ToolCanvasWrite     = "canvas.write"
	ToolMemorySearch    = "memory.search"
	ToolMemoryAppend    = "memory.append"
	ToolMemoryPatch     = "memory.apply_patch"
	ToolMemoryDeleteDay = "memory.delete_day"
	ToolShellExec       = "shell.exec"
)

// alwaysAllowed capabilities bypass policy entirely
var alwaysAllowed = map[string]bool{
	ToolCanvasWrite:  true,
	ToolMemorySearch: true,
	ToolMemoryAppend: true,
}

// IsAlwaysAllowed reports whether a tool bypasses policy entirely
func IsAlwaysAllowed(toolID string) bool {
	return alwaysAllowed[toolID]
}

// Registry is the capability catalog. Built-ins are immutable; MCP-backed
// tools are registered per server at runtime.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*contracts.ToolDefinition
}

// New creates a registry seeded with the built-in catalog
func New() *Registry {
	r := &Registry{tools: make(map[string]*contracts.ToolDefinition)}
	for _, def := range builtinCatalog() {
		r.tools[def.ID] = def
	}
	return r
}

func builtinCatalog() []*contracts.ToolDefinition {
	return []*contracts.ToolDefinition{
		{
			ID:          ToolWorkspaceList,
			Risk:        contracts.RiskLow,
			SourceType:  contracts.SourceBuiltin,
			Description: "List entries under a workspace directory",
		},
		{
			ID:          ToolWorkspaceRead,
			Risk:        contracts.RiskLow,
			SourceType:  contracts.SourceBuiltin,
			Description: "Read a file inside the workspace",
		},
		{
			ID:                        ToolWorkspaceWrite,
			Risk:                      contracts.RiskMedium,
			RequiresApprovalByDefault: true,
			SourceType:                contracts.SourceBuiltin,
			Description:               "Write a file inside the workspace",
		},
		{
			ID:                        ToolWorkspaceDelete,
			Risk:                      contracts.RiskHigh,
			RequiresApprovalByDefault: true,
			SourceType:                contracts.SourceBuiltin,
			Description:               "Delete a file inside the workspace (requires DELETE confirmation)",
		},
		{
			ID:          ToolCanvasWrite,
			Risk:        contracts.RiskLow,
			SourceType:  contracts.SourceBuiltin,
			Description: "Write an internal canvas content record",
		},
		{
			ID:          ToolMemorySearch,
			Risk:        contracts.RiskLow,
			SourceType:  contracts.SourceBuiltin,
			Description: "Search durable memory notes",
		},
		{
			ID:          ToolMemoryAppend,
			Risk:        contracts.RiskLow,
			SourceType:  contracts.SourceBuiltin,
			Description: "Append a note to durable memory",
		},
		{
			ID:                        ToolMemoryPatch,
			Risk:                      contracts.RiskHigh,
			RequiresApprovalByDefault: true,
			SourceType:                contracts.SourceBuiltin,
			Description:               "Apply a patch to durable memory (always requires approval)",
		},
		{
			ID:                        ToolMemoryDeleteDay,
			Risk:                      contracts.RiskCritical,
			RequiresApprovalByDefault: true,
			SourceType:                contracts.SourceBuiltin,
			Description:               "Delete one day of durable memory (requires dated confirmation)",
		},
		{
			ID:                        ToolShellExec,
			Risk:                      contracts.RiskCritical,
			RequiresApprovalByDefault: true,
			SourceType:                contracts.SourceBuiltin,
			Description:               "Run a shell command with the workspace as working directory",
		},
	}
}

// Lookup returns the definition for a tool id
func (r *Registry) Lookup(id string) (*contracts.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[id]
	return def, ok
}

// List returns all definitions sorted by id
func (r *Registry) List() []*contracts.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*contracts.ToolDefinition, 0, len(r.tools))
	for _, def := range r.tools {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// MCPToolID builds the catalog id for a tool exposed by an MCP server
func MCPToolID(serverID, toolName string) string {
	return fmt.Sprintf("mcp.%s.%s", serverID, toolName)
}

// RegisterMCPTool adds or refreshes an MCP-backed tool. The server's risk
// level drives its default gating.
func (r *Registry) RegisterMCPTool(serverID, toolName string, risk contracts.RiskLevel, description string) *contracts.ToolDefinition {
	def := &contracts.ToolDefinition{
		ID:                        MCPToolID(serverID, toolName),
		Risk:                      risk,
		RequiresApprovalByDefault: risk.AtLeastHigh(),
		SourceType:                contracts.SourceMCP,
		MCPServerID:               serverID,
		Description:               description,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.ID] = def
	return def
}

// UnregisterMCPServer removes every tool registered for a server
func (r *Registry) UnregisterMCPServer(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, def := range r.tools {
		if def.SourceType == contracts.SourceMCP && def.MCPServerID == serverID {
			delete(r.tools, id)
		}
	}
}
