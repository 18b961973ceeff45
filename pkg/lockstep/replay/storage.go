package replay

import (
	"context"
	"errors"
	"strings"

	"github.com/argus-labs/lockstep/pkg/lockstep/command"
	"github.com/rotisserie/eris"
)

var ErrNotFound = errors.New("replay not found")

// Storage persists encoded replay archives by name.
type Storage interface {
	// Store saves the archive, replacing any existing one with the same name.
	Store(ctx context.Context, name string, data []byte) error

	// Load returns the archive stored under name, or an error wrapping ErrNotFound.
	Load(ctx context.Context, name string) ([]byte, error)

	Delete(ctx context.Context, name string) error

	// List returns the stored names in lexical order.
	List(ctx context.Context) ([]string, error)
}

// Save encodes the recording and stores it under name.
func Save(ctx context.Context, s Storage, name string, r *Recorder) error {
	if name == "" {
		return eris.New("replay name cannot be empty")
	}
	data, err := Encode(r)
	if err != nil {
		return err
	}
	return s.Store(ctx, name, data)
}

// Open loads the archive stored under name into a new recorder.
func Open(ctx context.Context, s Storage, name string, factory *command.Factory) (*Recorder, error) {
	data, err := s.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	r := NewRecorder(factory)
	if err := Decode(data, r); err != nil {
		return nil, eris.Wrapf(err, "failed to decode replay %q", name)
	}
	return r, nil
}

// StorageType selects a Storage implementation.
type StorageType uint8

const (
	StorageTypeUndefined StorageType = iota
	StorageTypeNop
	StorageTypeFile
	StorageTypeJetStream
	StorageTypeRedis
)

const (
	nopStorageString       = "NOP"
	fileStorageString      = "FILE"
	jetStreamStorageString = "JETSTREAM"
	redisStorageString     = "REDIS"
	undefinedStorageString = "UNDEFINED"
)

func (s StorageType) String() string {
	switch s {
	case StorageTypeUndefined:
		return undefinedStorageString
	case StorageTypeNop:
		return nopStorageString
	case StorageTypeFile:
		return fileStorageString
	case StorageTypeJetStream:
		return jetStreamStorageString
	case StorageTypeRedis:
		return redisStorageString
	default:
		return undefinedStorageString
	}
}

func (s StorageType) IsValid() bool {
	return s >= StorageTypeNop && s <= StorageTypeRedis
}

func ParseStorageType(s string) (StorageType, error) {
	switch strings.ToUpper(s) {
	case nopStorageString:
		return StorageTypeNop, nil
	case fileStorageString:
		return StorageTypeFile, nil
	case jetStreamStorageString:
		return StorageTypeJetStream, nil
	case redisStorageString:
		return StorageTypeRedis, nil
	default:
		return StorageTypeUndefined, eris.Errorf("invalid replay storage type: %s", s)
	}
}
