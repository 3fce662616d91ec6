package eventbus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"datamake/internal/model"
	"datamake/internal/policy"
)

// Mirror forwards drained outbox messages onto a Redis Stream so external
// consumers can follow session status without polling the database.
type Mirror struct {
	client    redis.UniversalClient
	publisher *redisstream.Publisher
	stream    string
}

func NewMirror(cfg policy.Config, logger watermill.LoggerAdapter) (*Mirror, error) {
	opts, err := redis.ParseURL(cfg.Events.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse events redis url")
	}
	client := redis.NewClient(opts)
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis stream publisher")
	}
	return &Mirror{
		client:    client,
		publisher: publisher,
		stream:    cfg.Events.Stream,
	}, nil
}

func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Handler adapts the mirror into an outbox message handler.
func (m *Mirror) Handler() MessageHandler {
	return func(ctx context.Context, outboxMessage model.OutboxMessage) error {
		_ = ctx
		msg := message.NewMessage(outboxMessage.MessageID, []byte(outboxMessage.Payload))
		msg.Metadata.Set("topic", outboxMessage.Topic)
		if outboxMessage.MessageKey != "" {
			msg.Metadata.Set("message_key", outboxMessage.MessageKey)
		}
		if err := m.publisher.Publish(m.stream, msg); err != nil {
			return errors.Wrapf(err, "mirror message %s to redis stream %s", outboxMessage.MessageID, m.stream)
		}
		return nil
	}
}

func (m *Mirror) Close() error {
	err := m.publisher.Close()
	_ = m.client.Close()
	return err
}
