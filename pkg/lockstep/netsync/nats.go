package netsync

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// NATSClient is a NATS connection with logging connection handlers.
type NATSClient struct {
	*nats.Conn
	log        zerolog.Logger
	natsConfig NATSConfig
}

// NATSConfig holds the configuration for the NATS client.
type NATSConfig struct {
	Name            string `env:"NATS_NAME" envDefault:"lockstep"`
	URL             string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	CredentialsFile string `env:"NATS_CREDENTIALS_FILE"`
}

func (cfg NATSConfig) Validate() error {
	if cfg.URL == "" {
		return eris.New("NATS URL is required")
	}
	// Without a credentials file the connection is unauthenticated.
	return nil
}

// NewNATSClient connects to NATS using the environment configuration, overridden by opts.
func NewNATSClient(opts ...NATSOption) (*NATSClient, error) {
	c := &NATSClient{log: zerolog.Nop()}

	var err error
	c.natsConfig, err = env.ParseAs[NATSConfig]()
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse NATS config")
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.natsConfig.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid NATS config")
	}

	natsOpts := []nats.Option{
		nats.Name(c.natsConfig.Name),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second * 5),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.natsConfig.CredentialsFile != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(c.natsConfig.CredentialsFile))
	}

	conn, err := nats.Connect(c.natsConfig.URL, natsOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "failed to connect to NATS server")
	}
	c.Conn = conn

	c.log.Info().Str("url", c.ConnectedUrl()).Str("name", c.natsConfig.Name).Msg("connected to NATS server")
	return c, nil
}

func (c *NATSClient) Close() {
	if c.Conn != nil {
		c.Conn.Close()
	}
}

func (c *NATSClient) handleDisconnect(nc *nats.Conn, err error) {
	log := c.log.With().Str("nats_url", nc.ConnectedUrl()).Uint64("reconnect_attempts", nc.Reconnects).Logger()
	if err != nil {
		log.Error().Err(err).Msg("disconnected from NATS with error")
	} else {
		log.Warn().Msg("disconnected from NATS")
	}
}

func (c *NATSClient) handleReconnect(nc *nats.Conn) {
	c.log.Info().Str("nats_url", nc.ConnectedUrl()).Uint64("reconnect_attempts", nc.Reconnects).
		Msg("reconnected to NATS")
}

func (c *NATSClient) handleClosed(nc *nats.Conn) {
	if err := nc.LastError(); err != nil {
		c.log.Warn().Err(err).Msg("NATS connection closed with error")
	} else {
		c.log.Info().Msg("NATS connection closed")
	}
}

func (c *NATSClient) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	ev := c.log.Error().Err(err)
	if sub != nil {
		ev = ev.Str("subject", sub.Subject)
	}
	ev.Msg("NATS subscription error occurred")
}

// NATSOption modifies a NATSClient before it connects.
type NATSOption func(*NATSClient)

func WithNATSLogger(log zerolog.Logger) NATSOption {
	return func(c *NATSClient) { c.log = log }
}

func WithNATSConfig(cfg NATSConfig) NATSOption {
	return func(c *NATSClient) { c.natsConfig = cfg }
}
