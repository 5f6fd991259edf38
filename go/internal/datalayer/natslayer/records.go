package natslayer

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/datalayer"
)

// RecordStore keeps records in a JetStream KV bucket.
type RecordStore struct {
	kv     jetstream.KeyValue
	nodeID string
}

var _ datalayer.RecordStore = (*RecordStore)(nil)

// List returns every record in the bucket.
func (r *RecordStore) List(ctx context.Context) ([]datalayer.DataItem, error) {
	lister, err := r.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list record keys: %w", err)
	}
	defer lister.Stop()

	var items []datalayer.DataItem
	for key := range lister.Keys() {
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get record %s: %w", key, err)
		}
		item, err := decodeEntry(entry)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("skipping undecodable record")
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Put writes a record.
func (r *RecordStore) Put(ctx context.Context, item datalayer.DataItem) error {
	key, err := KeyForPath(item.Path)
	if err != nil {
		return err
	}
	data, err := datalayer.EncodeFields(item.Fields)
	if err != nil {
		return err
	}
	rev, err := r.kv.Put(ctx, key, data)
	if err != nil {
		return fmt.Errorf("put record %s: %w", item.Path, err)
	}
	log.Debug().
		Str("node_id", r.nodeID).
		Str("path", item.Path).
		Uint64("revision", rev).
		Msg("record written")
	return nil
}

// Subscribe watches the bucket for new writes. Existing values are not
// replayed; List is the way to read them.
func (r *RecordStore) Subscribe(ctx context.Context, handler func(datalayer.DataItem)) (datalayer.Subscription, error) {
	watchCtx, cancel := context.WithCancel(context.Background())
	watcher, err := r.kv.WatchAll(watchCtx, jetstream.UpdatesOnly())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch records: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				// nil marks the end of initial values
				if entry == nil {
					continue
				}
				if entry.Operation() != jetstream.KeyValuePut {
					continue
				}
				item, err := decodeEntry(entry)
				if err != nil {
					log.Warn().Err(err).Str("key", entry.Key()).Msg("skipping undecodable record update")
					continue
				}
				handler(item)
			}
		}
	}()

	return datalayer.SubscriptionFunc(func() error {
		cancel()
		err := watcher.Stop()
		<-done
		return err
	}), nil
}

func decodeEntry(entry jetstream.KeyValueEntry) (datalayer.DataItem, error) {
	fields, err := datalayer.DecodeFields(entry.Value())
	if err != nil {
		return datalayer.DataItem{}, err
	}
	return datalayer.DataItem{Path: PathForKey(entry.Key()), Fields: fields}, nil
}
