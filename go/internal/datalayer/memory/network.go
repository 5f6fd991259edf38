// Package memory is an in-process data layer: a network of paired endpoints
// that replicate records to each other and exchange messages. It simulates
// the failure modes of a real device link (disconnects, failed writes) so the
// sync protocol can be exercised without a broker.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/datalayer"
	"github.com/mcdev12/scoresync/go/internal/models"
)

var (
	// ErrDisconnected is returned when either side of an operation is offline
	ErrDisconnected = errors.New("node disconnected")

	// ErrUnknownNode is returned when sending to a node that never joined
	ErrUnknownNode = errors.New("unknown node")

	// ErrNoHandler is returned when the target has no message subscriber
	ErrNoHandler = errors.New("no message handler registered")
)

// Network links a set of endpoints. Each endpoint keeps its own replica of
// the records; connected endpoints converge on every write.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*Endpoint),
	}
}

// Join adds a node to the network and returns its endpoint. Joining an
// existing ID returns the existing endpoint.
func (n *Network) Join(node models.Node) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ep, ok := n.endpoints[node.ID]; ok {
		return ep
	}
	ep := &Endpoint{
		network:     n,
		node:        node,
		connected:   true,
		records:     make(map[string]datalayer.DataItem),
		recordSubs:  make(map[int]*mailbox[datalayer.DataItem]),
		messageSubs: make(map[int]*mailbox[datalayer.Message]),
	}
	n.endpoints[node.ID] = ep

	// A new node receives whatever its peers already replicated.
	for _, peer := range n.endpoints {
		if peer == ep || !peer.isConnected() {
			continue
		}
		for _, item := range peer.snapshot() {
			ep.replicate(item)
		}
		break
	}

	log.Debug().Str("node_id", node.ID).Msg("node joined memory network")
	return ep
}

// Endpoint returns a previously joined endpoint.
func (n *Network) Endpoint(nodeID string) (*Endpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep, ok := n.endpoints[nodeID]
	return ep, ok
}

// Disconnect takes a node offline. Its writes stay local until Reconnect.
func (n *Network) Disconnect(nodeID string) {
	if ep, ok := n.Endpoint(nodeID); ok {
		ep.setConnected(false)
		log.Debug().Str("node_id", nodeID).Msg("node disconnected")
	}
}

// Reconnect brings a node back and exchanges records with its peers, newest
// local writes first.
func (n *Network) Reconnect(nodeID string) {
	ep, ok := n.Endpoint(nodeID)
	if !ok {
		return
	}
	ep.setConnected(true)

	for _, item := range ep.takePending() {
		n.fanOut(ep, item)
	}
	for _, peer := range n.peers(ep) {
		for _, item := range peer.snapshot() {
			ep.replicate(item)
		}
	}
	log.Debug().Str("node_id", nodeID).Msg("node reconnected")
}

// FailPuts makes every Put on nodeID return err. A nil err clears it.
func (n *Network) FailPuts(nodeID string, err error) {
	if ep, ok := n.Endpoint(nodeID); ok {
		ep.mu.Lock()
		ep.putErr = err
		ep.mu.Unlock()
	}
}

// DropMessages makes nodeID acknowledge inbound messages without delivering
// them, the way a message lost after the link ack looks to the sender.
func (n *Network) DropMessages(nodeID string, drop bool) {
	if ep, ok := n.Endpoint(nodeID); ok {
		ep.mu.Lock()
		ep.dropInbound = drop
		ep.mu.Unlock()
	}
}

func (n *Network) peers(self *Endpoint) []*Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Endpoint, 0, len(n.endpoints))
	for _, ep := range n.endpoints {
		if ep != self && ep.isConnected() {
			out = append(out, ep)
		}
	}
	slices.SortFunc(out, func(a, b *Endpoint) int {
		if a.node.ID < b.node.ID {
			return -1
		}
		if a.node.ID > b.node.ID {
			return 1
		}
		return 0
	})
	return out
}

func (n *Network) fanOut(from *Endpoint, item datalayer.DataItem) {
	for _, peer := range n.peers(from) {
		peer.replicate(item)
	}
}

// Endpoint is one node's attachment to the network. It implements
// datalayer.RecordStore and datalayer.NodeDirectory; Messages returns its
// datalayer.MessageTransport.
type Endpoint struct {
	network *Network
	node    models.Node

	mu          sync.Mutex
	connected   bool
	putErr      error
	dropInbound bool
	records     map[string]datalayer.DataItem
	pending     []datalayer.DataItem
	recordSubs  map[int]*mailbox[datalayer.DataItem]
	messageSubs map[int]*mailbox[datalayer.Message]
	nextSubID   int
}

var (
	_ datalayer.RecordStore      = (*Endpoint)(nil)
	_ datalayer.NodeDirectory    = (*Endpoint)(nil)
	_ datalayer.MessageTransport = messageTransport{}
)

// messageTransport is the message side of an Endpoint.
type messageTransport struct {
	e *Endpoint
}

func (m messageTransport) Send(ctx context.Context, nodeID, path string, payload []byte) error {
	return m.e.send(ctx, nodeID, path, payload)
}

func (m messageTransport) Subscribe(ctx context.Context, handler func(datalayer.Message)) (datalayer.Subscription, error) {
	return m.e.subscribeMessages(ctx, handler)
}

// Messages returns the endpoint's message transport.
func (e *Endpoint) Messages() datalayer.MessageTransport {
	return messageTransport{e: e}
}

// Node returns the endpoint's node description.
func (e *Endpoint) Node() models.Node {
	return e.node
}

// List returns the local replica.
func (e *Endpoint) List(ctx context.Context) ([]datalayer.DataItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

// Put writes locally, notifies local subscribers and replicates to connected
// peers. While disconnected the write is queued for Reconnect.
func (e *Endpoint) Put(ctx context.Context, item datalayer.DataItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.putErr != nil {
		err := e.putErr
		e.mu.Unlock()
		return fmt.Errorf("put %s: %w", item.Path, err)
	}
	connected := e.connected
	item = item.Clone()
	e.records[item.Path] = item
	if !connected {
		e.pending = append(e.pending, item)
	}
	e.notifyLocked(item)
	e.mu.Unlock()

	if connected {
		e.network.fanOut(e, item)
	}
	return nil
}

// Subscribe registers a change handler on this endpoint's replica.
func (e *Endpoint) Subscribe(ctx context.Context, handler func(datalayer.DataItem)) (datalayer.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mb := newMailbox(handler)

	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.recordSubs[id] = mb
	e.mu.Unlock()

	return datalayer.SubscriptionFunc(func() error {
		e.mu.Lock()
		delete(e.recordSubs, id)
		e.mu.Unlock()
		mb.stop()
		return nil
	}), nil
}

// ConnectedNodes lists the other connected endpoints. A disconnected node
// sees nobody.
func (e *Endpoint) ConnectedNodes(ctx context.Context) ([]models.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !e.isConnected() {
		return nil, nil
	}
	peers := e.network.peers(e)
	nodes := make([]models.Node, 0, len(peers))
	for _, p := range peers {
		nodes = append(nodes, p.node)
	}
	return nodes, nil
}

// send delivers a message to nodeID's subscribers. It fails when either side
// is offline or the target has nobody listening.
func (e *Endpoint) send(ctx context.Context, nodeID, path string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.isConnected() {
		return fmt.Errorf("send %s from %s: %w", path, e.node.ID, ErrDisconnected)
	}
	target, ok := e.network.Endpoint(nodeID)
	if !ok {
		return fmt.Errorf("send %s to %s: %w", path, nodeID, ErrUnknownNode)
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	if !target.connected {
		return fmt.Errorf("send %s to %s: %w", path, nodeID, ErrDisconnected)
	}
	if len(target.messageSubs) == 0 {
		return fmt.Errorf("send %s to %s: %w", path, nodeID, ErrNoHandler)
	}
	if target.dropInbound {
		log.Debug().Str("node_id", nodeID).Str("path", path).Msg("dropping message")
		return nil
	}
	msg := datalayer.Message{
		SourceNodeID: e.node.ID,
		Path:         path,
		Data:         slices.Clone(payload),
	}
	for _, id := range sortedKeys(target.messageSubs) {
		target.messageSubs[id].push(msg)
	}
	return nil
}

func (e *Endpoint) subscribeMessages(ctx context.Context, handler func(datalayer.Message)) (datalayer.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mb := newMailbox(handler)

	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.messageSubs[id] = mb
	e.mu.Unlock()

	return datalayer.SubscriptionFunc(func() error {
		e.mu.Lock()
		delete(e.messageSubs, id)
		e.mu.Unlock()
		mb.stop()
		return nil
	}), nil
}

// Close stops every subscription on the endpoint.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, mb := range e.recordSubs {
		mb.stop()
		delete(e.recordSubs, id)
	}
	for id, mb := range e.messageSubs {
		mb.stop()
		delete(e.messageSubs, id)
	}
	return nil
}

// replicate applies a peer's write to the local replica and notifies local
// subscribers when the value changed.
func (e *Endpoint) replicate(item datalayer.DataItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.records[item.Path]; ok && maps.Equal(existing.Fields, item.Fields) {
		return
	}
	item = item.Clone()
	e.records[item.Path] = item
	e.notifyLocked(item)
}

func (e *Endpoint) notifyLocked(item datalayer.DataItem) {
	for _, id := range sortedKeys(e.recordSubs) {
		e.recordSubs[id].push(item.Clone())
	}
}

func (e *Endpoint) snapshot() []datalayer.DataItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]datalayer.DataItem, 0, len(e.records))
	for _, path := range sortedKeys(e.records) {
		out = append(out, e.records[path].Clone())
	}
	return out
}

func (e *Endpoint) takePending() []datalayer.DataItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending
	e.pending = nil
	return out
}

func (e *Endpoint) isConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Endpoint) setConnected(connected bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = connected
}

func sortedKeys[K ~int | ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
