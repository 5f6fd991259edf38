package gateway

import (
	"context"

	"github.com/mcdev12/scoresync/go/internal/authority"
	"github.com/mcdev12/scoresync/go/internal/command"
	"github.com/mcdev12/scoresync/go/internal/mirror"
	"github.com/mcdev12/scoresync/go/internal/models"
)

// Role names which side of the protocol a node plays
type Role string

const (
	RoleAuthority Role = "authority"
	RoleMirror    Role = "mirror"
)

// ScoreState is the renderer-facing view of one node. Left and Right are nil
// until the view is initialized.
type ScoreState struct {
	Role        Role               `json:"role"`
	NodeID      string             `json:"node_id"`
	Initialized bool               `json:"initialized"`
	Left        *int               `json:"left"`
	Right       *int               `json:"right"`
	History     []models.ScorePair `json:"history"`
	Phase       string             `json:"phase,omitempty"`
}

// CommandResult reports what happened to a renderer gesture
type CommandResult struct {
	Command   models.Command `json:"command"`
	Local     bool           `json:"local"`
	Targets   int            `json:"targets"`
	Delivered int            `json:"delivered"`
	Errors    []string       `json:"errors,omitempty"`
}

// StateProvider is the node-side collaborator of the gateway
type StateProvider interface {
	NodeID() string
	State(ctx context.Context) (ScoreState, error)
	Apply(ctx context.Context, cmd models.Command) (CommandResult, error)
	Watch(fn func()) (stop func())
}

// AuthorityStore is what the gateway needs from an authoritative store
type AuthorityStore interface {
	Apply(ctx context.Context, cmd models.Command) error
	Snapshot() authority.Snapshot
	OnChange(listener func(authority.Snapshot)) func()
}

// AuthorityStateProvider exposes the authoritative node. Gestures mutate
// the store directly.
type AuthorityStateProvider struct {
	nodeID string
	store  AuthorityStore
}

func NewAuthorityStateProvider(nodeID string, store AuthorityStore) *AuthorityStateProvider {
	return &AuthorityStateProvider{nodeID: nodeID, store: store}
}

func (p *AuthorityStateProvider) NodeID() string { return p.nodeID }

func (p *AuthorityStateProvider) State(ctx context.Context) (ScoreState, error) {
	snap := p.store.Snapshot()
	view := models.NewMirrorViewState(snap.Scores)
	return ScoreState{
		Role:        RoleAuthority,
		NodeID:      p.nodeID,
		Initialized: true,
		Left:        view.Left,
		Right:       view.Right,
		History:     snap.History,
	}, nil
}

func (p *AuthorityStateProvider) Apply(ctx context.Context, cmd models.Command) (CommandResult, error) {
	if err := p.store.Apply(ctx, cmd); err != nil {
		return CommandResult{Command: cmd, Local: true}, err
	}
	return CommandResult{Command: cmd, Local: true, Targets: 1, Delivered: 1}, nil
}

func (p *AuthorityStateProvider) Watch(fn func()) func() {
	return p.store.OnChange(func(authority.Snapshot) { fn() })
}

// MirrorStore is what the gateway needs from a mirror
type MirrorStore interface {
	Issue(ctx context.Context, cmd models.Command) (command.BroadcastResult, error)
	Snapshot() mirror.Snapshot
	OnChange(listener func(mirror.Snapshot)) func()
}

// MirrorStateProvider exposes a mirror. Gestures become commands to the
// authority; the view changes only when the record comes back.
type MirrorStateProvider struct {
	nodeID string
	store  MirrorStore
}

func NewMirrorStateProvider(nodeID string, store MirrorStore) *MirrorStateProvider {
	return &MirrorStateProvider{nodeID: nodeID, store: store}
}

func (p *MirrorStateProvider) NodeID() string { return p.nodeID }

func (p *MirrorStateProvider) State(ctx context.Context) (ScoreState, error) {
	snap := p.store.Snapshot()
	return ScoreState{
		Role:        RoleMirror,
		NodeID:      p.nodeID,
		Initialized: snap.View.Initialized,
		Left:        snap.View.Left,
		Right:       snap.View.Right,
		History:     snap.History,
		Phase:       string(snap.Phase),
	}, nil
}

func (p *MirrorStateProvider) Apply(ctx context.Context, cmd models.Command) (CommandResult, error) {
	result, err := p.store.Issue(ctx, cmd)
	out := CommandResult{
		Command:   cmd,
		Targets:   len(result.Results),
		Delivered: result.Delivered(),
	}
	for _, f := range result.Failures() {
		out.Errors = append(out.Errors, f.Err.Error())
	}
	return out, err
}

func (p *MirrorStateProvider) Watch(fn func()) func() {
	return p.store.OnChange(func(mirror.Snapshot) { fn() })
}

var (
	_ StateProvider = (*AuthorityStateProvider)(nil)
	_ StateProvider = (*MirrorStateProvider)(nil)
)
