// Package policy implements the versioned access-control document and its
// resolution against the tool catalog.
package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pocketbrain/pocketbrain/internal/contracts"
	"github.com/pocketbrain/pocketbrain/internal/registry"
)

// CurrentVersion is bumped whenever the document shape changes
const CurrentVersion = 2

// Access is the resolved decision for one tool under the current policy
type Access struct {
	Allowed          bool                 `json:"allowed"`
	RequiresApproval bool                 `json:"requires_approval"`
	Mode             contracts.AccessMode `json:"mode"`
	Reason           string               `json:"reason"`
}

// Default returns the policy used before an operator has written one
func Default() *contracts.Policy {
	return &contracts.Policy{
		Version:       CurrentVersion,
		GlobalDefault: contracts.AccessAllowedWithApproval,
		PerRisk: map[contracts.RiskLevel]contracts.AccessMode{
			contracts.RiskLow:      contracts.AccessAllowed,
			contracts.RiskMedium:   contracts.AccessAllowedWithApproval,
			contracts.RiskHigh:     contracts.AccessAllowedWithApproval,
			contracts.RiskCritical: contracts.AccessBlocked,
		},
		PerTool:   map[string]contracts.AccessMode{},
		UpdatedAt: time.Now(),
	}
}

// legacy key aliases migrated in place on every read
var legacyKeyAliases = map[string]string{
	"default":        "global_default",
	"globalDefault":  "global_default",
	"tools":          "per_tool",
	"perTool":        "per_tool",
	"tool_overrides": "per_tool",
	"risk":           "per_risk",
	"perRisk":        "per_risk",
	"risk_overrides": "per_risk",
}

var legacyModeAliases = map[string]contracts.AccessMode{
	"deny":     contracts.AccessBlocked,
	"block":    contracts.AccessBlocked,
	"disabled": contracts.AccessBlocked,
	"allow":    contracts.AccessAllowed,
	"enabled":  contracts.AccessAllowed,
	"ask":      contracts.AccessAllowedWithApproval,
	"approval": contracts.AccessAllowedWithApproval,
	"approve":  contracts.AccessAllowedWithApproval,
}

// NormalizeMode maps legacy mode spellings onto the current enum
func NormalizeMode(raw string) (contracts.AccessMode, bool) {
	mode := contracts.AccessMode(raw)
	if mode.Valid() {
		return mode, true
	}
	if mapped, ok := legacyModeAliases[raw]; ok {
		return mapped, true
	}
	return "", false
}

// NormalizeDocument decodes a raw policy document, migrating unknown/legacy
// keys and mode spellings in place. Invalid entries are dropped rather than
// failing the whole document.
func NormalizeDocument(raw []byte) (*contracts.Policy, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy document: %w", err)
	}

	for legacy, current := range legacyKeyAliases {
		if v, ok := doc[legacy]; ok {
			if _, exists := doc[current]; !exists {
				doc[current] = v
			}
			delete(doc, legacy)
		}
	}

	p := &contracts.Policy{
		PerRisk: map[contracts.RiskLevel]contracts.AccessMode{},
		PerTool: map[string]contracts.AccessMode{},
	}

	if v, ok := doc["version"]; ok {
		_ = json.Unmarshal(v, &p.Version)
	}
	if v, ok := doc["updated_at"]; ok {
		_ = json.Unmarshal(v, &p.UpdatedAt)
	}
	if v, ok := doc["provider_overrides"]; ok {
		_ = json.Unmarshal(v, &p.ProviderOverrides)
	}

	if v, ok := doc["global_default"]; ok {
		var raw string
		_ = json.Unmarshal(v, &raw)
		if mode, ok := NormalizeMode(raw); ok {
			p.GlobalDefault = mode
		}
	}
	if v, ok := doc["per_risk"]; ok {
		var m map[string]string
		_ = json.Unmarshal(v, &m)
		for k, raw := range m {
			risk := contracts.RiskLevel(k)
			mode, ok := NormalizeMode(raw)
			if risk.Valid() && ok {
				p.PerRisk[risk] = mode
			}
		}
	}
	if v, ok := doc["per_tool"]; ok {
		var m map[string]string
		_ = json.Unmarshal(v, &m)
		for tool, raw := range m {
			if mode, ok := NormalizeMode(raw); ok {
				p.PerTool[tool] = mode
			}
		}
	}

	Normalize(p)
	return p, nil
}

// Normalize fills gaps in a typed policy and bumps it to the current version
func Normalize(p *contracts.Policy) {
	if !p.GlobalDefault.Valid() {
		p.GlobalDefault = contracts.AccessAllowedWithApproval
	}
	if p.PerRisk == nil {
		p.PerRisk = map[contracts.RiskLevel]contracts.AccessMode{}
	}
	if p.PerTool == nil {
		p.PerTool = map[string]contracts.AccessMode{}
	}
	for risk, mode := range p.PerRisk {
		if !risk.Valid() || !mode.Valid() {
			delete(p.PerRisk, risk)
		}
	}
	for tool, mode := range p.PerTool {
		if !mode.Valid() {
			delete(p.PerTool, tool)
		}
	}
	if p.Version < CurrentVersion {
		p.Version = CurrentVersion
	}
}

// EffectiveAccessForTool resolves the current policy for one tool.
// Pure and side-effect-free; precedence is per_tool > per_risk >
// global_default. Always-allowed capabilities bypass policy entirely, and the
// durable-memory patch tool is unconditionally allowed-with-approval.
//
// Callers must invoke this both at proposal creation and again at execution:
// policy may change in between.
func EffectiveAccessForTool(p *contracts.Policy, def *contracts.ToolDefinition) Access {
	if registry.IsAlwaysAllowed(def.ID) {
		return Access{
			Allowed: true,
			Mode:    contracts.AccessAllowed,
			Reason:  "always-allowed capability",
		}
	}
	if def.ID == registry.ToolMemoryPatch {
		return Access{
			Allowed:          true,
			RequiresApproval: true,
			Mode:             contracts.AccessAllowedWithApproval,
			Reason:           "durable-memory patch always requires approval",
		}
	}

	mode := p.GlobalDefault
	reason := "global default"
	if m, ok := p.PerRisk[def.Risk]; ok {
		mode = m
		reason = fmt.Sprintf("per-risk override (%s)", def.Risk)
	}
	if m, ok := p.PerTool[def.ID]; ok {
		mode = m
		reason = "per-tool override"
	}

	access := Access{Mode: mode, Reason: reason}
	switch mode {
	case contracts.AccessAllowed:
		access.Allowed = true
		// High-risk tools keep their catalog default even when the policy
		// mode itself does not demand approval.
		access.RequiresApproval = def.RequiresApprovalByDefault
	case contracts.AccessAllowedWithApproval:
		access.Allowed = true
		access.RequiresApproval = true
	case contracts.AccessBlocked:
	}
	return access
}
