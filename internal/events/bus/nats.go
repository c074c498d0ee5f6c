package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/sandboxd/sandboxd/internal/common/config"
	"github.com/sandboxd/sandboxd/internal/common/logger"
	"github.com/sandboxd/sandboxd/internal/mission"
)

// firehoseSubject carries every mission event across instances.
const firehoseSubject = "missions.events"

// NATSBus fans events out over NATS so SSE subscribers on any instance see
// events produced by turns running on another.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

var _ Bus = (*NATSBus)(nil)

// NewNATSBus connects to NATS with reconnection handling.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("connected to NATS", zap.String("url", cfg.URL))

	return &NATSBus{
		conn:   conn,
		logger: log.WithFields(zap.String("component", "nats-event-bus")),
	}, nil
}

func (b *NATSBus) Publish(event *mission.AgentEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to marshal event", zap.Error(err))
		return
	}
	if err := b.conn.Publish(firehoseSubject, data); err != nil {
		b.logger.Error("failed to publish event",
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

func (b *NATSBus) Subscribe(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	ch := make(chan *mission.AgentEvent, buffer)
	dropped := 0
	sub, err := b.conn.Subscribe(firehoseSubject, func(msg *nats.Msg) {
		var event mission.AgentEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to unmarshal event", zap.Error(err))
			return
		}
		if dropped > 0 {
			notice := mission.NewErrorEvent(event.MissionID,
				fmt.Sprintf("subscriber lagged: %d events dropped, resync via event replay", dropped))
			select {
			case ch <- notice:
				dropped = 0
			default:
				dropped++
				return
			}
		}
		select {
		case ch <- &event:
		default:
			dropped++
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	var once sync.Once
	return &Subscription{
		C: ch,
		unsubscribe: func() {
			once.Do(func() {
				_ = sub.Unsubscribe()
				close(ch)
			})
		},
	}, nil
}

func (b *NATSBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

// New selects the bus implementation: NATS when a URL is configured,
// otherwise the in-memory broadcast.
func New(cfg config.NATSConfig, log *logger.Logger) (Bus, error) {
	if cfg.URL != "" {
		return NewNATSBus(cfg, log)
	}
	return NewMemoryBus(log), nil
}
