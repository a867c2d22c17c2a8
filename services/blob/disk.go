package blobsvc

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
)

// Disk stores blobs as files under a root directory.
type Disk struct {
	root string
}

var _ core.BlobStore = (*Disk)(nil)

func NewDisk(root string) (*Disk, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, errors.Wrap(err, "creating blob directory")
	}
	return &Disk{root: root}, nil
}

// path maps key under root, refusing keys escaping it.
func (d *Disk) path(key string) (string, error) {
	p := filepath.Join(d.root, filepath.FromSlash(key))
	if !strings.HasPrefix(p, filepath.Clean(d.root)+string(filepath.Separator)) {
		return "", errors.Errorf("invalid blob key %q", key)
	}
	return p, nil
}

func (d *Disk) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return errors.Wrap(err, "creating blob directory")
	}

	// write then rename so that readers never see partial blobs
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return errors.Wrap(err, "creating blob")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err = io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "writing blob")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "writing blob")
	}
	return errors.Wrap(os.Rename(tmp.Name(), p), "storing blob")
}

func (d *Disk) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrBlobNotFound
		}
		return nil, errors.Wrap(err, "opening blob")
	}
	return f, nil
}

func (d *Disk) Delete(ctx context.Context, key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err = os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "deleting blob")
	}
	return nil
}
