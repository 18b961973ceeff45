package replay

import (
	"context"
	"math"
	"slices"

	"github.com/caarlos0/env/v11"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rotisserie/eris"
)

// JetStreamStorage keeps replays as objects in a NATS JetStream ObjectStore bucket.
type JetStreamStorage struct {
	os jetstream.ObjectStore
}

var _ Storage = (*JetStreamStorage)(nil)

// NewJetStreamStorage opens the bucket, creating it if it doesn't exist yet.
func NewJetStreamStorage(ctx context.Context, opts JetStreamStorageOptions) (*JetStreamStorage, error) {
	if err := opts.apply(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid options passed")
	}

	js, err := jetstream.New(opts.Conn)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create JetStream client")
	}

	if opts.MaxBytes > math.MaxInt64 {
		return nil, eris.New("replay storage max bytes exceeds maximum int64 value")
	}

	osConfig := jetstream.ObjectStoreConfig{
		Bucket:   opts.Bucket,
		MaxBytes: int64(opts.MaxBytes), //nolint:gosec // checked above
	}
	os, err := js.CreateObjectStore(ctx, osConfig)
	if err != nil {
		if !eris.Is(err, jetstream.ErrBucketExists) {
			return nil, eris.Wrapf(err, "failed to create ObjectStore (bucket=%s, maxBytes=%d)",
				osConfig.Bucket, osConfig.MaxBytes)
		}
		os, err = js.ObjectStore(ctx, opts.Bucket)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to get existing ObjectStore (bucket=%s)", opts.Bucket)
		}
	}

	return &JetStreamStorage{os: os}, nil
}

func (j *JetStreamStorage) Store(ctx context.Context, name string, data []byte) error {
	if _, err := j.os.PutBytes(ctx, name, data); err != nil {
		return eris.Wrapf(err, "failed to store replay %q in ObjectStore", name)
	}
	return nil
}

func (j *JetStreamStorage) Load(ctx context.Context, name string) ([]byte, error) {
	data, err := j.os.GetBytes(ctx, name)
	if err != nil {
		if eris.Is(err, jetstream.ErrObjectNotFound) {
			return nil, eris.Wrapf(ErrNotFound, "no replay named %q", name)
		}
		return nil, eris.Wrapf(err, "failed to get replay %q from ObjectStore", name)
	}
	return data, nil
}

func (j *JetStreamStorage) Delete(ctx context.Context, name string) error {
	if err := j.os.Delete(ctx, name); err != nil && !eris.Is(err, jetstream.ErrObjectNotFound) {
		return eris.Wrapf(err, "failed to delete replay %q", name)
	}
	return nil
}

func (j *JetStreamStorage) List(ctx context.Context) ([]string, error) {
	infos, err := j.os.List(ctx)
	if err != nil {
		if eris.Is(err, jetstream.ErrNoObjectsFound) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "failed to list ObjectStore")
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	slices.Sort(names)
	return names, nil
}

// -------------------------------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------------------------------

type JetStreamStorageOptions struct {
	Conn *nats.Conn

	// ObjectStore bucket name. JetStream only accepts letters, digits, dashes and underscores.
	Bucket string

	// Maximum bytes for the bucket, 0 for unlimited. Required by some NATS providers like Synadia Cloud.
	MaxBytes uint64
}

type jetStreamStorageEnv struct {
	Bucket   string `env:"LOCKSTEP_REPLAY_BUCKET" envDefault:"lockstep_replays"`
	MaxBytes uint64 `env:"LOCKSTEP_REPLAY_STORAGE_MAX_BYTES" envDefault:"0"`
}

// apply fills the unset fields from the environment.
func (opt *JetStreamStorageOptions) apply() error {
	cfg, err := env.ParseAs[jetStreamStorageEnv]()
	if err != nil {
		return eris.Wrap(err, "failed to parse env")
	}
	if opt.Bucket == "" {
		opt.Bucket = cfg.Bucket
	}
	if opt.MaxBytes == 0 {
		opt.MaxBytes = cfg.MaxBytes
	}
	return nil
}

func (opt *JetStreamStorageOptions) Validate() error {
	if opt.Conn == nil {
		return eris.New("NATS connection cannot be nil")
	}
	if opt.Bucket == "" {
		return eris.New("bucket name cannot be empty")
	}
	return nil
}
