// Package statsd wraps the DataDog client so the rest of the code base only sees a handful of helpers.
// The package-level client is a no-op until Init is called.
package statsd

import (
	"time"

	ddstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

var client ddstatsd.ClientInterface = &ddstatsd.NoOpClient{} //nolint:gochecknoglobals // process-wide sink

func Client() ddstatsd.ClientInterface {
	return client
}

// Init replaces the global client with one sending to address. Every metric is prefixed with
// namespace.
func Init(address, namespace string, tags []string) error {
	if address == "" {
		return eris.New("address must not be empty")
	}
	opts := []ddstatsd.Option{
		ddstatsd.WithNamespace(namespace + "."),
	}
	if len(tags) > 0 {
		opts = append(opts, ddstatsd.WithTags(tags))
	}

	newClient, err := ddstatsd.New(address, opts...)
	if err != nil {
		return eris.Wrap(err, "failed to create statsd client")
	}
	client = newClient
	return nil
}

// Close flushes buffered metrics and restores the no-op client.
func Close() error {
	c := client
	client = &ddstatsd.NoOpClient{}
	return c.Close()
}

// Gauge reports value under name on c, logging instead of failing.
func Gauge(c ddstatsd.ClientInterface, name string, value float64, tags ...string) {
	if err := c.Gauge(name, value, tags, 1); err != nil {
		log.Logger.Warn().Err(err).Str("metric", name).Msg("failed to emit gauge")
	}
}

// Count increments name by value on c.
func Count(c ddstatsd.ClientInterface, name string, value int64, tags ...string) {
	if err := c.Count(name, value, tags, 1); err != nil {
		log.Logger.Warn().Err(err).Str("metric", name).Msg("failed to emit count")
	}
}

// Timing reports a measured duration under name on c.
func Timing(c ddstatsd.ClientInterface, name string, d time.Duration, tags ...string) {
	if err := c.Timing(name, d, tags, 1); err != nil {
		log.Logger.Warn().Err(err).Str("metric", name).Msg("failed to emit timing")
	}
}
