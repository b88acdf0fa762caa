// Package events publishes withdraw request lifecycle events to NATS so
// downstream consumers (dashboards, notification workers) can react without
// polling the database.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/veilpay/settlement/internal/config"
)

// Subjects per lifecycle transition.
const (
	SubjectRequestCreated   = "settlement.withdraw.created"
	SubjectProofReady       = "settlement.withdraw.proof_ready"
	SubjectProofFailed      = "settlement.withdraw.proof_failed"
	SubjectSubmitted        = "settlement.withdraw.submitted"
	SubjectConfirmed        = "settlement.withdraw.confirmed"
	SubjectPayoutCompleted  = "settlement.withdraw.payout_completed"
	SubjectPayoutFailed     = "settlement.withdraw.payout_failed"
	SubjectTimeoutClaimed   = "settlement.withdraw.timeout_claimed"
	SubjectRequestCancelled = "settlement.withdraw.cancelled"
)

// RequestEvent is the payload published on every subject.
type RequestEvent struct {
	RequestID string    `json:"request_id"`
	Nullifier string    `json:"nullifier"`
	ChainID   uint32    `json:"chain_id,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher emits request lifecycle events. Publishing is best effort: a
// failed publish is logged, never propagated, because the database row is
// the source of truth.
type Publisher interface {
	Publish(subject string, event RequestEvent)
	Close()
}

type natsPublisher struct {
	conn *nats.Conn
	log  *logrus.Entry
}

// NewNATSPublisher connects to NATS and returns a Publisher.
func NewNATSPublisher(cfg config.NATSConfig, log *logrus.Logger) (Publisher, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait)*time.Second),
		nats.MaxReconnects(cfg.MaxReconnects),
	)
	if err != nil {
		return nil, err
	}
	return &natsPublisher{
		conn: conn,
		log:  log.WithField("component", "events"),
	}, nil
}

func (p *natsPublisher) Publish(subject string, event RequestEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.log.WithError(err).WithField("subject", subject).Warn("marshal event")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"subject":    subject,
			"request_id": event.RequestID,
		}).Warn("publish event")
	}
}

func (p *natsPublisher) Close() {
	p.conn.Drain()
}

// NopPublisher discards all events; used when NATS is not configured and in
// tests.
type NopPublisher struct{}

func (NopPublisher) Publish(string, RequestEvent) {}
func (NopPublisher) Close()                       {}
