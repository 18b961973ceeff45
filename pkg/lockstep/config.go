package lockstep

import (
	"math"
	"time"

	"github.com/argus-labs/lockstep/pkg/lockstep/wire"
	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

// MaxCommandsPerTurn is the hard limit imposed by the one-byte command count of a serialized turn.
const MaxCommandsPerTurn = math.MaxUint8

// Config is the timing contract shared by the server and every client of a match. It travels over
// the wire as five int32 fields, durations in milliseconds.
type Config struct {
	// Cadence at which turns are cut and applied.
	CommandStep time.Duration `env:"LOCKSTEP_COMMAND_STEP" envDefault:"100ms"`

	// Cadence of the deterministic simulation tick. Must divide CommandStep.
	SimulationStep time.Duration `env:"LOCKSTEP_SIMULATION_STEP" envDefault:"20ms"`

	// Empty turns the server batches into one notification, and missing turns a client tolerates
	// before it stops to wait.
	MaxSkippedEmptyTurns int `env:"LOCKSTEP_MAX_SKIPPED_EMPTY_TURNS" envDefault:"10"`

	// Commands the server places in one turn before rolling over into the next.
	MaxCommandsPerTurn int `env:"LOCKSTEP_MAX_COMMANDS_PER_TURN" envDefault:"255"`

	// Network clients refuse a setup with a different version.
	ProtocolVersion int32 `env:"LOCKSTEP_PROTOCOL_VERSION" envDefault:"1"`
}

// DefaultConfig returns the configuration used when nothing is set in the environment.
func DefaultConfig() Config {
	return Config{
		CommandStep:          100 * time.Millisecond,
		SimulationStep:       20 * time.Millisecond,
		MaxSkippedEmptyTurns: 10,
		MaxCommandsPerTurn:   MaxCommandsPerTurn,
		ProtocolVersion:      1,
	}
}

// LoadConfig reads Config from environment variables.
func LoadConfig() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse lockstep config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate lockstep config")
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validateStep("command step", c.CommandStep); err != nil {
		return err
	}
	if err := validateStep("simulation step", c.SimulationStep); err != nil {
		return err
	}
	if c.CommandStep%c.SimulationStep != 0 {
		return eris.Errorf("command step %s is not a multiple of simulation step %s", c.CommandStep, c.SimulationStep)
	}
	if c.MaxSkippedEmptyTurns < 0 {
		return eris.New("max skipped empty turns cannot be negative")
	}
	if c.MaxCommandsPerTurn < 1 || c.MaxCommandsPerTurn > MaxCommandsPerTurn {
		return eris.Errorf("max commands per turn must be between 1 and %d", MaxCommandsPerTurn)
	}
	return nil
}

func validateStep(name string, d time.Duration) error {
	if d <= 0 {
		return eris.Errorf("%s must be positive", name)
	}
	if d%time.Millisecond != 0 {
		return eris.Errorf("%s must be a whole number of milliseconds, got %s", name, d)
	}
	if d.Milliseconds() > math.MaxInt32 {
		return eris.Errorf("%s is too large", name)
	}
	return nil
}

func (c Config) Serialize(w wire.Writer) error {
	fields := [...]int32{
		int32(c.CommandStep.Milliseconds()),    //nolint:gosec // bounded by Validate
		int32(c.SimulationStep.Milliseconds()), //nolint:gosec // bounded by Validate
		int32(c.MaxSkippedEmptyTurns),          //nolint:gosec // small
		int32(c.MaxCommandsPerTurn),            //nolint:gosec // at most 255
		c.ProtocolVersion,
	}
	for _, f := range fields {
		if err := w.WriteInt32(f); err != nil {
			return eris.Wrap(err, "failed to write config")
		}
	}
	return nil
}

func (c *Config) Deserialize(r wire.Reader) error {
	var fields [5]int32
	for i := range fields {
		v, err := r.ReadInt32()
		if err != nil {
			return eris.Wrap(err, "failed to read config")
		}
		fields[i] = v
	}
	c.CommandStep = time.Duration(fields[0]) * time.Millisecond
	c.SimulationStep = time.Duration(fields[1]) * time.Millisecond
	c.MaxSkippedEmptyTurns = int(fields[2])
	c.MaxCommandsPerTurn = int(fields[3])
	c.ProtocolVersion = fields[4]
	return nil
}

// GameParams are the per-match parameters every client needs to reproduce the simulation.
type GameParams struct {
	RandomSeed uint32
}

func (p GameParams) Serialize(w wire.Writer) error {
	return w.WriteUint32(p.RandomSeed)
}

func (p *GameParams) Deserialize(r wire.Reader) (err error) {
	p.RandomSeed, err = r.ReadUint32()
	return err
}

// ClientConfig tunes a single client controller. It is local and never sent over the wire.
type ClientConfig struct {
	// Delay applied to commands issued in offline mode before they are scheduled.
	LocalSimulationDelay time.Duration `env:"LOCKSTEP_CLIENT_LOCAL_SIMULATION_DELAY" envDefault:"0s"`

	// Simulation steps run per Update before the client switches to Recovering. Zero is uncapped.
	MaxSimulationStepsPerFrame int `env:"LOCKSTEP_CLIENT_MAX_SIMULATION_STEPS_PER_FRAME" envDefault:"0"`

	// Multiplies every Update delta.
	SpeedFactor float64 `env:"LOCKSTEP_CLIENT_SPEED_FACTOR" envDefault:"1.0"`

	// Keep waiting after a disconnect until enough turns arrived to reach the current time.
	RecoverGracefully bool `env:"LOCKSTEP_CLIENT_RECOVER_GRACEFULLY" envDefault:"true"`

	// Average turn reception duration, relative to the command step, tolerated by a graceful recovery.
	GracefulTurnReceptionDurationFactor float64 `env:"LOCKSTEP_CLIENT_GRACEFUL_TURN_RECEPTION_FACTOR" envDefault:"1.1"`

	// Samples kept for the turn reception duration average.
	TurnReceptionDurationAverageSize int `env:"LOCKSTEP_CLIENT_TURN_RECEPTION_AVERAGE_SIZE" envDefault:"10"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		SpeedFactor:                         1.0,
		RecoverGracefully:                   true,
		GracefulTurnReceptionDurationFactor: 1.1,
		TurnReceptionDurationAverageSize:    10,
	}
}

func LoadClientConfig() (ClientConfig, error) {
	cfg := ClientConfig{}
	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse client config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate client config")
	}
	return cfg, nil
}

func (c ClientConfig) Validate() error {
	if c.LocalSimulationDelay < 0 {
		return eris.New("local simulation delay cannot be negative")
	}
	if c.MaxSimulationStepsPerFrame < 0 {
		return eris.New("max simulation steps per frame cannot be negative")
	}
	if c.SpeedFactor < 0 {
		return eris.New("speed factor cannot be negative")
	}
	if c.TurnReceptionDurationAverageSize < 1 {
		return eris.New("turn reception average size must be at least 1")
	}
	return nil
}

// ServerConfig tunes the server controller.
type ServerConfig struct {
	// How often the average turn processing time of the local client is reported.
	MetricSendInterval time.Duration `env:"LOCKSTEP_SERVER_METRIC_SEND_INTERVAL" envDefault:"10s"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{MetricSendInterval: 10 * time.Second}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := ServerConfig{}
	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse server config")
	}
	if cfg.MetricSendInterval <= 0 {
		return cfg, eris.New("metric send interval must be positive")
	}
	return cfg, nil
}
