package objectclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/markdave123-py/pagewise/internal/core"
)

const fileScheme = "file://"

// LocalClient keeps uploads in a directory on disk. Handles are file://<key>, resolved under the root.
type LocalClient struct {
	root string
}

func NewLocalClient(root string) (*LocalClient, error) {
	if root == "" {
		return nil, fmt.Errorf("storage directory not set")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &LocalClient{root: root}, nil
}

func (c *LocalClient) Put(ctx context.Context, key string, data io.Reader, _ string) (string, error) {
	path, err := c.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: data}); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("commit object: %w", err)
	}
	return fileScheme + key, nil
}

func (c *LocalClient) Fetch(ctx context.Context, handle string) ([]byte, error) {
	path, err := c.handlePath(handle)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("object %s: %w", handle, core.ErrNotFound)
	}
	return b, err
}

func (c *LocalClient) Delete(ctx context.Context, handle string) error {
	path, err := c.handlePath(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func (c *LocalClient) handlePath(handle string) (string, error) {
	key, ok := strings.CutPrefix(handle, fileScheme)
	if !ok {
		return "", fmt.Errorf("unsupported object handle %q", handle)
	}
	return c.resolve(key)
}

// resolve keeps keys inside the root.
func (c *LocalClient) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("empty object key")
	}
	return filepath.Join(c.root, filepath.FromSlash(clean)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

var _ core.ObjectClient = (*LocalClient)(nil)
