// Package datalayer defines the collaborators the sync core runs on: a
// replicated record store, a directory of connected nodes and a point-to-point
// message transport. Implementations live in the subpackages.
package datalayer

import (
	"context"

	"github.com/mcdev12/scoresync/go/internal/models"
)

// RecordStore is the eventually-consistent replicated key/value layer.
type RecordStore interface {
	// List returns every record currently known to this node.
	List(ctx context.Context) ([]DataItem, error)
	// Put creates or replaces the record at item.Path.
	Put(ctx context.Context, item DataItem) error
	// Subscribe registers handler for change notifications of any path.
	Subscribe(ctx context.Context, handler func(DataItem)) (Subscription, error)
}

// NodeDirectory lists the nodes currently reachable from this node.
type NodeDirectory interface {
	ConnectedNodes(ctx context.Context) ([]models.Node, error)
}

// Message is an inbound point-to-point message.
type Message struct {
	SourceNodeID string
	Path         string
	Data         []byte
}

// MessageTransport delivers fire-and-forget messages between paired nodes.
// Send returns nil once the target acknowledged receipt.
type MessageTransport interface {
	Send(ctx context.Context, nodeID, path string, payload []byte) error
	Subscribe(ctx context.Context, handler func(Message)) (Subscription, error)
}

// Subscription is a registered handler that can be removed.
type Subscription interface {
	Stop() error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Stop() error { return f() }
