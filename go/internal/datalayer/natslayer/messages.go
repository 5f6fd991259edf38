package natslayer

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/scoresync/go/internal/datalayer"
)

// ErrNoResponders is returned when nobody listens on the target's subject
var ErrNoResponders = errors.New("no responders for node")

// Messenger sends commands as NATS requests. The receiver replies with an
// empty ack before handling, so a successful Send means the message arrived.
type Messenger struct {
	nc     *nats.Conn
	nodeID string
	prefix string
}

var _ datalayer.MessageTransport = (*Messenger)(nil)

// Send delivers path and payload to nodeID and waits for its ack.
func (m *Messenger) Send(ctx context.Context, nodeID, path string, payload []byte) error {
	if err := validateToken(nodeID); err != nil {
		return fmt.Errorf("send %s: %w", path, err)
	}
	msg := buildMessage(m.prefix, m.nodeID, nodeID, path, payload)

	if _, err := m.nc.RequestMsgWithContext(ctx, msg); err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("send %s to %s: %w", path, nodeID, ErrNoResponders)
		}
		return fmt.Errorf("send %s to %s: %w", path, nodeID, err)
	}
	return nil
}

// Subscribe listens on this node's subject. NATS delivers a subscription's
// messages in order on one goroutine.
func (m *Messenger) Subscribe(ctx context.Context, handler func(datalayer.Message)) (datalayer.Subscription, error) {
	subject := NodeSubject(m.prefix, m.nodeID)
	sub, err := m.nc.Subscribe(subject, func(msg *nats.Msg) {
		if msg.Reply != "" {
			if err := msg.Respond(nil); err != nil {
				log.Warn().Err(err).Str("subject", subject).Msg("failed to ack message")
			}
		}
		handler(parseMessage(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	log.Debug().Str("subject", subject).Msg("listening for messages")

	return datalayer.SubscriptionFunc(sub.Unsubscribe), nil
}

func buildMessage(prefix, source, target, path string, payload []byte) *nats.Msg {
	msg := nats.NewMsg(NodeSubject(prefix, target))
	msg.Header.Set(HeaderPath, path)
	msg.Header.Set(HeaderSource, source)
	msg.Data = payload
	return msg
}

func parseMessage(msg *nats.Msg) datalayer.Message {
	return datalayer.Message{
		SourceNodeID: msg.Header.Get(HeaderSource),
		Path:         msg.Header.Get(HeaderPath),
		Data:         msg.Data,
	}
}
