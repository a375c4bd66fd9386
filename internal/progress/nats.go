package progress

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/playok/fitalert/internal/model"
)

type relayEnvelope struct {
	CorrelationID string              `json:"correlation_id,omitempty"`
	All           bool                `json:"all,omitempty"`
	Event         model.ProgressEvent `json:"event"`
}

// Relay publishes events through NATS so that every instance subscribed to
// the subject delivers them to its own listeners. Local delivery happens
// when the relay receives its own message back.
type Relay struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	hub     *Hub
	log     *slog.Logger
}

// NewRelay connects to url and starts delivering relayed events to hub.
func NewRelay(url, subject string, hub *Hub, log *slog.Logger) (*Relay, error) {
	nc, err := nats.Connect(url, nats.Name("fitalert-progress"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	r := &Relay{nc: nc, subject: subject, hub: hub, log: log.With("component", "progress-relay")}
	sub, err := nc.Subscribe(subject, r.handle)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	r.sub = sub
	return r, nil
}

// Publish relays ev for listeners of correlationID.
func (r *Relay) Publish(correlationID string, ev model.ProgressEvent) {
	r.send(relayEnvelope{CorrelationID: correlationID, Event: ev})
}

// PublishAll relays ev for every listener.
func (r *Relay) PublishAll(ev model.ProgressEvent) {
	r.send(relayEnvelope{All: true, Event: ev})
}

func (r *Relay) send(env relayEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		r.log.Warn("dropping unencodable event", "err", err)
		return
	}
	// nats.Conn.Publish only buffers; it does not wait for the server.
	if err := r.nc.Publish(r.subject, data); err != nil {
		r.log.Warn("relay publish failed", "err", err)
	}
}

func (r *Relay) handle(msg *nats.Msg) {
	var env relayEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.log.Warn("ignoring malformed relay message", "err", err)
		return
	}
	if env.All {
		r.hub.PublishAll(env.Event)
		return
	}
	if env.CorrelationID != "" {
		r.hub.Publish(env.CorrelationID, env.Event)
	}
}

// Close drains the subscription and closes the connection.
func (r *Relay) Close() error {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	return r.nc.Drain()
}
