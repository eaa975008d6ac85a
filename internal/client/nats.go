package client

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-hr-approvals/internal/logger"
)

// Publisher sends one message to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSClient is a thin Publisher over a core NATS connection.
type NATSClient struct {
	conn *nats.Conn
}

// NewNATSClient connects to url. The connection reconnects forever and logs
// state changes.
func NewNATSClient(url, name string, log *logger.Logger) (*NATSClient, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSClient{conn: conn}, nil
}

// Publish sends data and flushes so that a broker failure surfaces here.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return err
	}
	return c.conn.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (c *NATSClient) Close() error {
	return c.conn.Drain()
}
