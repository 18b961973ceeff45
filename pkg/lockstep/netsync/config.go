package netsync

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// ServerConfig controls the lifecycle of one match.
type ServerConfig struct {
	// Players needed before the match starts.
	MaxPlayers int `env:"LOCKSTEP_MATCH_MAX_PLAYERS" envDefault:"2"`

	// Time between the start message and the first client simulation step.
	ClientStartDelay time.Duration `env:"LOCKSTEP_MATCH_CLIENT_START_DELAY" envDefault:"3s"`

	// How far the server runs ahead of the clients.
	ClientSimulationDelay time.Duration `env:"LOCKSTEP_MATCH_CLIENT_SIMULATION_DELAY" envDefault:"1s"`

	// How long to wait for the remaining results once a player reported a finish the match
	// itself does not confirm.
	MatchEndedWithoutConfirmationTimeout time.Duration `env:"LOCKSTEP_MATCH_END_TIMEOUT" envDefault:"10s"`

	// Re-check the end of the match when a player disconnects.
	FinishOnClientDisconnection bool `env:"LOCKSTEP_MATCH_FINISH_ON_CLIENT_DISCONNECTION" envDefault:"true"`

	AllowMatchStartWithOnePlayerReady bool `env:"LOCKSTEP_MATCH_ALLOW_ONE_PLAYER_START" envDefault:"false"`

	// Commands per second a client may send, with CommandBurst of slack. Zero disables the limit.
	CommandRate  float64 `env:"LOCKSTEP_MATCH_COMMAND_RATE" envDefault:"30"`
	CommandBurst int     `env:"LOCKSTEP_MATCH_COMMAND_BURST" envDefault:"30"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxPlayers:                           2,
		ClientStartDelay:                     3 * time.Second,
		ClientSimulationDelay:                time.Second,
		MatchEndedWithoutConfirmationTimeout: 10 * time.Second,
		FinishOnClientDisconnection:          true,
		CommandRate:                          30,
		CommandBurst:                         30,
	}
}

// LoadServerConfig reads ServerConfig from environment variables.
func LoadServerConfig() (ServerConfig, error) {
	cfg, err := env.ParseAs[ServerConfig]()
	if err != nil {
		return cfg, eris.Wrap(err, "failed to parse match config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate match config")
	}
	return cfg, nil
}

func (c ServerConfig) Validate() error {
	if c.MaxPlayers < 1 || c.MaxPlayers > 255 {
		return eris.Errorf("max players must be between 1 and 255, got %d", c.MaxPlayers)
	}
	if c.ClientStartDelay < 0 || c.ClientSimulationDelay < 0 {
		return eris.New("client delays cannot be negative")
	}
	if c.MatchEndedWithoutConfirmationTimeout < 0 {
		return eris.New("match end timeout cannot be negative")
	}
	if c.CommandRate < 0 || (c.CommandRate > 0 && c.CommandBurst < 1) {
		return eris.Errorf("invalid command rate %v with burst %d", c.CommandRate, c.CommandBurst)
	}
	return nil
}

func (c ServerConfig) newLimiter() *rate.Limiter {
	if c.CommandRate == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(c.CommandRate), c.CommandBurst)
}
