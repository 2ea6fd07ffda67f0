package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"studybuddy/internal/models"
	"studybuddy/internal/observability"
)

// MessageReader re-reads a stored message named by a notification.
type MessageReader interface {
	GetGroupMessage(ctx context.Context, messageID string) (models.GroupMessage, error)
}

type insertNotification struct {
	ID      string `json:"id"`
	GroupID string `json:"group_id"`
}

// PGBridge turns Postgres NOTIFY payloads from the group_messages insert
// trigger into broker events.
type PGBridge struct {
	dsn     string
	channel string
	reader  MessageReader
	broker  *Broker
	log     *zap.Logger
}

func NewPGBridge(dsn, channel string, reader MessageReader, broker *Broker, log *zap.Logger) *PGBridge {
	return &PGBridge{dsn: dsn, channel: channel, reader: reader, broker: broker, log: log}
}

// Run listens until ctx is cancelled.
func (b *PGBridge) Run(ctx context.Context) error {
	listener := pq.NewListener(b.dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			b.log.Warn("feed listener connection attempt failed", zap.Error(err))
		case pq.ListenerEventDisconnected:
			b.log.Warn("feed listener disconnected", zap.Error(err))
		case pq.ListenerEventReconnected:
			b.log.Info("feed listener reconnected")
		}
	})
	defer listener.Close()

	if err := listener.Listen(b.channel); err != nil {
		return err
	}
	b.log.Info("feed listener started", zap.String("channel", b.channel))

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// lib/pq sends nil after a reconnect; notifications may have been dropped.
				b.broker.Resync()
				continue
			}
			b.handle(ctx, n.Extra)
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					b.log.Warn("feed listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

func (b *PGBridge) handle(ctx context.Context, payload string) {
	var note insertNotification
	if err := json.Unmarshal([]byte(payload), &note); err != nil {
		b.log.Error("decode feed payload", zap.Error(err), zap.String("payload", payload))
		return
	}

	msg, err := b.reader.GetGroupMessage(ctx, note.ID)
	if err != nil {
		observability.IncFeedEvent("read_error")
		b.log.Error("load notified message", zap.Error(err), zap.String("message_id", note.ID))
		return
	}
	b.broker.Publish(msg)
}
