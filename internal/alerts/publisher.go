// Package alerts publishes operator-facing payment events. Alerts flag a
// payment for manual review; nothing here reverses issued credits.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const Exchange = "decenterai.payments"

// Kind doubles as the routing key.
type Kind string

const (
	KindFraudSuspected     Kind = "payment.fraud_suspected"
	KindDisbursementFailed Kind = "payment.disbursement_failed"
	KindRecordMissing      Kind = "payment.record_missing"
)

type Event struct {
	ID                    uuid.UUID `json:"id"`
	Kind                  Kind      `json:"kind"`
	TransactionHash       string    `json:"transaction_hash"`
	UserID                string    `json:"user_id,omitempty"`
	WalletAddress         string    `json:"wallet_address,omitempty"`
	Credits               int64     `json:"credits,omitempty"`
	RewardTransactionHash string    `json:"reward_transaction_hash,omitempty"`
	Detail                string    `json:"detail,omitempty"`
	Timestamp             time.Time `json:"timestamp"`
}

// Publisher is the interface implemented by types that can publish alerts.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close()
}

func stamp(event Event) Event {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return event
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	Close() error
}

type amqpConn interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type brokerConn struct {
	*amqp091.Connection
}

func (c brokerConn) Channel() (amqpChannel, error) {
	return c.Connection.Channel()
}

func dialBroker(addr string) (amqpConn, error) {
	conn, err := amqp091.DialConfig(addr, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	return brokerConn{conn}, nil
}

// RabbitPublisher holds the RabbitMQ connection and channel for alerts. A
// dropped connection is redialled on the next publish.
type RabbitPublisher struct {
	mu      sync.Mutex
	url     string
	dial    func(string) (amqpConn, error)
	conn    amqpConn
	channel amqpChannel
	log     *zap.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func NewRabbitPublisher(amqpURL string, log *zap.Logger) (*RabbitPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	return newRabbitPublisher(cleanURL, dialBroker, log)
}

func newRabbitPublisher(addr string, dial func(string) (amqpConn, error), log *zap.Logger) (*RabbitPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	p := &RabbitPublisher{url: addr, dial: dial, log: log.With(zap.String("component", "alerts"))}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect dials a fresh connection and declares the exchange. Callers hold mu
// or own p exclusively.
func (p *RabbitPublisher) connect() error {
	conn, err := p.dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	p.conn, p.channel = conn, ch
	return nil
}

// reopen replaces the channel, redialling when the connection itself is gone.
func (p *RabbitPublisher) reopen() error {
	if p.conn == nil || p.conn.IsClosed() {
		if p.conn != nil {
			_ = p.conn.Close()
		}
		return p.connect()
	}
	ch, err := p.conn.Channel()
	if err != nil {
		_ = p.conn.Close()
		return p.connect()
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	p.channel = ch
	return nil
}

// Publish sends the event to the payments exchange, reopening the channel
// (or the connection) once if the first attempt fails.
func (p *RabbitPublisher) Publish(ctx context.Context, event Event) error {
	event = stamp(event)
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    event.ID.String(),
		Timestamp:    event.Timestamp,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		err = p.channel.PublishWithContext(ctx, Exchange, string(event.Kind), false, false, msg)
		if err == nil {
			return nil
		}
		p.log.Warn("publish failed; reconnecting", zap.String("routing_key", string(event.Kind)), zap.Error(err))
	}
	if err := p.reopen(); err != nil {
		p.channel = nil
		return err
	}
	return p.channel.PublishWithContext(ctx, Exchange, string(event.Kind), false, false, msg)
}

func (p *RabbitPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// LogPublisher is used when RabbitMQ is unavailable: alerts still reach the
// structured log at error level.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogPublisher{log: log.With(zap.String("component", "alerts"), zap.String("mode", "fallback"))}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	event = stamp(event)
	p.log.Error("payment alert",
		zap.String("kind", string(event.Kind)),
		zap.String("event_id", event.ID.String()),
		zap.String("tx_hash", event.TransactionHash),
		zap.String("user_id", event.UserID),
		zap.String("wallet", event.WalletAddress),
		zap.Int64("credits", event.Credits),
		zap.String("reward_tx_hash", event.RewardTransactionHash),
		zap.String("detail", event.Detail))
	return nil
}

func (p *LogPublisher) Close() {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, stamp(event))
	return nil
}

func (r *Recorder) Close() {}

func (r *Recorder) Events(kind Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
