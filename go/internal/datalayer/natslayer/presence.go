package natslayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/datalayer"
	"github.com/mcdev12/scoresync/go/internal/models"
)

// Directory advertises this node in the presence bucket and lists the others.
// An entry disappears when its node stops heartbeating for the bucket TTL.
type Directory struct {
	kv       jetstream.KeyValue
	nc       *nats.Conn
	node     models.Node
	interval time.Duration

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

var _ datalayer.NodeDirectory = (*Directory)(nil)

func newDirectory(kv jetstream.KeyValue, nc *nats.Conn, node models.Node, interval time.Duration) *Directory {
	return &Directory{
		kv:       kv,
		nc:       nc,
		node:     node,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// ConnectedNodes lists live nodes other than this one. A node that lost its
// NATS connection sees nobody.
func (d *Directory) ConnectedNodes(ctx context.Context) ([]models.Node, error) {
	if !d.nc.IsConnected() {
		return nil, nil
	}

	lister, err := d.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list presence keys: %w", err)
	}
	defer lister.Stop()

	var nodes []models.Node
	for key := range lister.Keys() {
		if key == d.node.ID {
			continue
		}
		entry, err := d.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get presence %s: %w", key, err)
		}
		node, err := decodeNode(entry.Value())
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("skipping undecodable presence entry")
			continue
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (d *Directory) start(ctx context.Context) error {
	if err := d.announce(ctx); err != nil {
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				hbCtx, cancel := context.WithTimeout(context.Background(), d.interval)
				if err := d.announce(hbCtx); err != nil {
					log.Warn().Err(err).Str("node_id", d.node.ID).Msg("presence heartbeat failed")
				}
				cancel()
			}
		}
	}()
	return nil
}

func (d *Directory) announce(ctx context.Context) error {
	data, err := encodeNode(d.node)
	if err != nil {
		return err
	}
	if _, err := d.kv.Put(ctx, d.node.ID, data); err != nil {
		return fmt.Errorf("announce presence: %w", err)
	}
	return nil
}

func (d *Directory) stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
}

func (d *Directory) withdraw(ctx context.Context) {
	if err := d.kv.Delete(ctx, d.node.ID); err != nil {
		log.Warn().Err(err).Str("node_id", d.node.ID).Msg("failed to withdraw presence")
	}
}

type presenceEntry struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func encodeNode(n models.Node) ([]byte, error) {
	data, err := json.Marshal(presenceEntry{ID: n.ID, DisplayName: n.DisplayName, Capabilities: n.Capabilities})
	if err != nil {
		return nil, fmt.Errorf("marshal presence: %w", err)
	}
	return data, nil
}

func decodeNode(data []byte) (models.Node, error) {
	var e presenceEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return models.Node{}, fmt.Errorf("unmarshal presence: %w", err)
	}
	if e.ID == "" {
		return models.Node{}, errors.New("presence entry without id")
	}
	return models.Node{ID: e.ID, DisplayName: e.DisplayName, Capabilities: e.Capabilities}, nil
}
