package storage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// LocalProvider spools chunks as plain files under a single directory. It is
// the default backend and the one local/compose deployments run with.
type LocalProvider struct {
	*baseProvider

	directory string
}

func NewLocalProvider(directory string) *LocalProvider {
	return &LocalProvider{
		baseProvider: newBaseProvider(""),
		directory:    directory,
	}
}

func (p *LocalProvider) Connect() error {
	p.status = Connecting
	if err := os.MkdirAll(p.directory, 0o755); err != nil {
		p.status = Disconnected
		return errors.Wrapf(err, "cannot create spool directory %s", p.directory)
	}
	p.status = Connected
	return nil
}

func (p *LocalProvider) Close() error {
	p.status = Disconnected
	return nil
}

func (p *LocalProvider) WriteChunk(_ context.Context, key string, data []byte) error {
	if p.status != Connected {
		return errors.Wrap(ErrNotConnected, "local")
	}
	return os.WriteFile(p.path(key), data, 0o644)
}

func (p *LocalProvider) Read(_ context.Context, key string) ([]byte, error) {
	if p.status != Connected {
		return nil, errors.Wrap(ErrNotConnected, "local")
	}
	data, err := os.ReadFile(p.path(key))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrKeyNotFound, key)
	}
	return data, err
}

func (p *LocalProvider) Delete(_ context.Context, key string) error {
	if p.status != Connected {
		return errors.Wrap(ErrNotConnected, "local")
	}
	if err := os.Remove(p.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (p *LocalProvider) path(key string) string {
	return filepath.Join(p.directory, key)
}
