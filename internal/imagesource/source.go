// Package imagesource yields the raw image buffers of a batch.
package imagesource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

// ErrLimitExceeded is returned by Collect when a source holds more images than allowed.
var ErrLimitExceeded = errors.New("image source exceeds limit")

// Source yields images one at a time and returns io.EOF after the last one.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// SliceSource serves images already held in memory.
type SliceSource struct {
	images [][]byte
	pos    int
}

func NewSliceSource(images [][]byte) *SliceSource {
	return &SliceSource{images: images}
}

func (s *SliceSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.images) {
		return nil, io.EOF
	}
	img := s.images[s.pos]
	s.pos++
	return img, nil
}

// ObjectStore is the part of an object store a StoreSource reads from.
type ObjectStore interface {
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// StoreSource reads the images under a prefix in lexical key order.
type StoreSource struct {
	store ObjectStore
	keys  []string
	pos   int
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true,
	".gif": true, ".tif": true, ".tiff": true, ".webp": true,
}

// OpenStore lists prefix and returns a source over the image objects found.
func OpenStore(ctx context.Context, store ObjectStore, prefix string) (*StoreSource, error) {
	keys, err := store.ListObjects(ctx, prefix)
	if err != nil {
		return nil, err
	}
	images := keys[:0]
	for _, key := range keys {
		if imageExtensions[strings.ToLower(path.Ext(key))] {
			images = append(images, key)
		}
	}
	sort.Strings(images)
	return &StoreSource{store: store, keys: images}, nil
}

// Keys returns the object keys the source will read, in order.
func (s *StoreSource) Keys() []string {
	return s.keys
}

func (s *StoreSource) Next(ctx context.Context) ([]byte, error) {
	if s.pos >= len(s.keys) {
		return nil, io.EOF
	}
	key := s.keys[s.pos]
	s.pos++
	return s.store.GetObject(ctx, key)
}

// Collect drains src into memory, failing once more than limit images are seen.
// A limit of zero or less means unbounded.
func Collect(ctx context.Context, src Source, limit int) ([][]byte, error) {
	var images [][]byte
	for {
		img, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return images, nil
		}
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(images) == limit {
			return nil, fmt.Errorf("%w: more than %d images", ErrLimitExceeded, limit)
		}
		images = append(images, img)
	}
}
