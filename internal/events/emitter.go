package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rugplay/crash-engine/internal/logger"
)

// Event types published by the engine.
const (
	TypeRoundStarted = "round_started"
	TypeTick         = "tick"
	TypeBetAccepted  = "bet_accepted"
	TypeCashOut      = "cash_out"
	TypeRoundCrashed = "round_crashed"
	TypeError        = "error"
)

// EngineEvent is the envelope every published event uses.
type EngineEvent struct {
	Type      string `json:"type"`
	Round     int    `json:"round"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Emitter publishes engine state changes; transport and fan-out to clients
// are the subscriber's concern.
type Emitter interface {
	Emit(event EngineEvent) error
	EmitError(round int, err error) error
	Close()
}

// NATSEmitter publishes JSON events to a single subject.
type NATSEmitter struct {
	conn          *nats.Conn
	subjectPrefix string
}

func NewNATSEmitter(natsURL, subjectPrefix string) (*NATSEmitter, error) {
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}
	conn, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1), // retry forever
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Disconnected from NATS", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEmitter{
		conn:          conn,
		subjectPrefix: subjectPrefix,
	}, nil
}

func (e *NATSEmitter) Emit(event EngineEvent) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// All rounds emit to the same subject.
	return e.conn.Publish(e.subjectPrefix, data)
}

func (e *NATSEmitter) EmitError(round int, err error) error {
	return e.Emit(EngineEvent{
		Type:  TypeError,
		Round: round,
		Data:  map[string]string{"error": err.Error()},
	})
}

func (e *NATSEmitter) Close() {
	if e.conn != nil {
		e.conn.Close()
	}
}

// Noop discards every event; used in tests and when no broker is configured.
type Noop struct{}

func (Noop) Emit(EngineEvent) error     { return nil }
func (Noop) EmitError(int, error) error { return nil }
func (Noop) Close()                     {}
