package replay

import (
	"context"

	"github.com/rotisserie/eris"
)

// NopStorage discards every archive. It's used when replays are not kept.
type NopStorage struct{}

var _ Storage = (*NopStorage)(nil)

func NewNopStorage() *NopStorage {
	return &NopStorage{}
}

func (n *NopStorage) Store(context.Context, string, []byte) error {
	return nil
}

func (n *NopStorage) Load(_ context.Context, name string) ([]byte, error) {
	return nil, eris.Wrapf(ErrNotFound, "replay %q not available (using no-op storage)", name)
}

func (n *NopStorage) Delete(context.Context, string) error {
	return nil
}

func (n *NopStorage) List(context.Context) ([]string, error) {
	return nil, nil
}
