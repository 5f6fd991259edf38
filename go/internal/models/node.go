package models

import "slices"

// Node capabilities advertised through the node directory.
const (
	CapabilityScoreAuthority = "score_authority"
	CapabilityScoreMirror    = "score_mirror"
)

// Node is a paired device visible through the node directory.
type Node struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// HasCapability reports whether the node advertises capability.
func (n Node) HasCapability(capability string) bool {
	return slices.Contains(n.Capabilities, capability)
}
