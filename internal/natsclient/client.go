// Package natsclient wraps a NATS JetStream connection shared by every
// NGS process: the ingester publishes raw-email work, the correlator
// consumes normalized alert events, the domain-events publisher fans
// out incident lifecycle changes, and the sweeper's cron scheduler
// emits tick signals.
package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Client bundles the raw NATS connection and its JetStream context.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
	Log  *zap.Logger
}

// NewClient connects to url with infinite reconnect attempts — NGS
// processes are long-lived workers that must ride out a NATS restart
// rather than exit.
func NewClient(url string, logger *zap.Logger) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	return &Client{Conn: nc, JS: js, Log: logger}, nil
}

// Close drains the connection so in-flight messages are delivered
// before the underlying socket closes.
func (c *Client) Close() {
	if c.Conn == nil {
		return
	}
	if err := c.Conn.Drain(); err != nil {
		c.Log.Warn("nats drain failed", zap.Error(err))
	}
}
