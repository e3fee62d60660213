package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketbrain/pocketbrain/internal/contracts"
)

func TestBuiltinCatalog(t *testing.T) {
	r := New()

	def, ok := r.Lookup(ToolWorkspaceWrite)
	require.True(t, ok)
	assert.Equal(t, contracts.RiskMedium, def.Risk)
	assert.True(t, def.RequiresApprovalByDefault)
	assert.Equal(t, contracts.SourceBuiltin, def.SourceType)

	def, ok = r.Lookup(ToolShellExec)
	require.True(t, ok)
	assert.Equal(t, contracts.RiskCritical, def.Risk)

	_, ok = r.Lookup("no.such.tool")
	assert.False(t, ok)
}

func TestIsAlwaysAllowed(t *testing.T) {
	assert.True(t, IsAlwaysAllowed(ToolCanvasWrite))
	assert.True(t, IsAlwaysAllowed(ToolMemorySearch))
	assert.True(t, IsAlwaysAllowed(ToolMemoryAppend))
	assert.False(t, IsAlwaysAllowed(ToolMemoryPatch))
	assert.False(t, IsAlwaysAllowed(ToolWorkspaceWrite))
}

func TestRegisterMCPTool(t *testing.T) {
	r := New()

	def := r.RegisterMCPTool("srv-1", "fetch", contracts.RiskHigh, "fetch a page")
	assert.Equal(t, MCPToolID("srv-1", "fetch"), def.ID)
	assert.Equal(t, contracts.SourceMCP, def.SourceType)
	assert.Equal(t, "srv-1", def.MCPServerID)

	got, ok := r.Lookup(def.ID)
	require.True(t, ok)
	assert.Equal(t, contracts.RiskHigh, got.Risk)
}

func TestUnregisterMCPServer(t *testing.T) {
	r := New()
	r.RegisterMCPTool("srv-1", "fetch", contracts.RiskLow, "")
	r.RegisterMCPTool("srv-1", "post", contracts.RiskHigh, "")
	r.RegisterMCPTool("srv-2", "fetch", contracts.RiskLow, "")

	r.UnregisterMCPServer("srv-1")

	_, ok := r.Lookup(MCPToolID("srv-1", "fetch"))
	assert.False(t, ok)
	_, ok = r.Lookup(MCPToolID("srv-2", "fetch"))
	assert.True(t, ok)

	// Builtins are untouched by MCP churn.
	_, ok = r.Lookup(ToolWorkspaceList)
	assert.True(t, ok)
}

func TestListIncludesRegisteredTools(t *testing.T) {
	r := New()
	before := len(r.List())
	r.RegisterMCPTool("srv-1", "fetch", contracts.RiskLow, "")
	assert.Len(t, r.List(), before+1)
}
