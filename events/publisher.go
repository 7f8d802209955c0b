// Package events announces persisted predictions on NATS so the dashboard
// can push them to browsers without polling the database.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// PredictionEvent is published after a prediction row is committed.
type PredictionEvent struct {
	Symbol     string    `json:"symbol"`
	Date       string    `json:"date"`
	Prediction int       `json:"prediction"`
	Direction  string    `json:"direction"`
	ModelUsed  string    `json:"model_used"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewPredictionEvent fills Direction from the 0/1 prediction.
func NewPredictionEvent(symbol, date string, prediction int, modelUsed string) PredictionEvent {
	direction := "Down"
	if prediction == 1 {
		direction = "Up"
	}
	return PredictionEvent{
		Symbol:     symbol,
		Date:       date,
		Prediction: prediction,
		Direction:  direction,
		ModelUsed:  modelUsed,
		CreatedAt:  time.Now().UTC(),
	}
}

type Publisher interface {
	PublishPrediction(ctx context.Context, ev PredictionEvent) error
	Close() error
}

// Noop drops every event. It is used when no NATS URL is configured.
type Noop struct{}

func (Noop) PublishPrediction(context.Context, PredictionEvent) error { return nil }
func (Noop) Close() error                                             { return nil }

// NATSPublisher publishes JSON encoded events on one subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// Connect returns a NATS publisher, or Noop when url is empty.
func Connect(url, subject string, logger *zap.Logger) (Publisher, error) {
	if url == "" {
		return Noop{}, nil
	}
	nc, err := nats.Connect(url,
		nats.Name("stockcast"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(3),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: nc, subject: subject, logger: logger}, nil
}

func (p *NATSPublisher) PublishPrediction(ctx context.Context, ev PredictionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", p.subject, err)
	}
	p.logger.Debug("prediction published", zap.String("subject", p.subject), zap.String("date", ev.Date))
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// Decode parses a published event.
func Decode(data []byte) (PredictionEvent, error) {
	var ev PredictionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode prediction event: %w", err)
	}
	return ev, nil
}

// Subscription delivers events to a handler until Close.
type Subscription struct {
	conn *nats.Conn
	sub  *nats.Subscription
}

// Subscribe calls handler for every event on subject. Malformed messages are
// logged and skipped.
func Subscribe(url, subject string, logger *zap.Logger, handler func(PredictionEvent)) (*Subscription, error) {
	nc, err := nats.Connect(url, nats.Name("stockcast-dashboard"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := Decode(msg.Data)
		if err != nil {
			logger.Warn("skip event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		handler(ev)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return &Subscription{conn: nc, sub: sub}, nil
}

func (s *Subscription) Close() error {
	if err := s.sub.Unsubscribe(); err != nil {
		s.conn.Close()
		return err
	}
	s.conn.Close()
	return nil
}
