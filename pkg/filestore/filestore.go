// Package filestore implements the content-addressed on-disk module cache
// (§3 "Module blob", §4's File store): keyed by image digest, with a
// single-flight guarantee so concurrent pulls of the same digest share one
// fetch and one blob on disk. Grounded on
// _examples/original_source/crates/kubelet/src/store/fs/mod.rs and
// store/composite/mod.rs for the "intercept fs:// references, else defer to
// the OCI client" dispatch shape, translated from a trait object into a
// Fetcher function passed in by the caller (pkg/registry.Client.Pull).
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/krustlet/krustlet/pkg/log"
	"github.com/krustlet/krustlet/pkg/types"
)

// Fetcher retrieves the module bytes for an image reference that is not yet
// cached, returning the bytes and a best-effort media type.
type Fetcher func(ctx context.Context, imageRef string) (data []byte, mediaType string, err error)

// Store is a content-addressed cache rooted at dir (typically
// $DATA_DIR/modules). Two concurrent Get calls for the same digest
// deduplicate via an internal singleflight group; the entry is removed
// once the fetch completes so a later failure does not poison the cache.
type Store struct {
	dir     string
	group   singleflight.Group
	allowFS bool
}

// New creates a Store rooted at dir, creating it if necessary. allowFS
// enables the "fs://" local-filesystem development fallback per the
// --x-allow-local-modules flag.
func New(dir string, allowFS bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating module store directory: %w", err)
	}
	return &Store{dir: dir, allowFS: allowFS}, nil
}

// Get returns the cached blob for imageRef, fetching it via fetch (and
// digesting it) on a cache miss. imageRef of the form "fs://path" is read
// directly from the local filesystem instead of calling fetch, and is
// never written into the content-addressed cache — it already lives at a
// caller-controlled path.
func (s *Store) Get(ctx context.Context, imageRef, digest string, fetch Fetcher) (*types.ModuleBlob, error) {
	logger := log.WithComponent("filestore")

	if path, ok := strings.CutPrefix(imageRef, "fs://"); ok {
		if !s.allowFS {
			return nil, fmt.Errorf("fs:// image reference %q requires --x-allow-local-modules", imageRef)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("reading local module %q: %w", path, err)
		}
		return &types.ModuleBlob{Digest: imageRef, MediaType: "application/wasm", Size: info.Size(), Path: path}, nil
	}

	blobPath := s.pathFor(digest)
	if info, err := os.Stat(blobPath); err == nil {
		return &types.ModuleBlob{Digest: digest, Path: blobPath, Size: info.Size(), MediaType: "application/vnd.wasm.content.layer.v1+wasm"}, nil
	}

	result, err, shared := s.group.Do(digest, func() (interface{}, error) {
		data, mediaType, err := fetch(ctx, imageRef)
		if err != nil {
			return nil, err
		}
		if err := s.write(digest, data); err != nil {
			return nil, err
		}
		return &types.ModuleBlob{Digest: digest, MediaType: mediaType, Size: int64(len(data)), Path: s.pathFor(digest)}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pulling module %s: %w", imageRef, err)
	}
	if shared {
		logger.Debug().Str("digest", digest).Msg("duplicate pull coalesced with in-flight fetch")
	}
	return result.(*types.ModuleBlob), nil
}

// Has reports whether digest is already cached on disk.
func (s *Store) Has(digest string) bool {
	_, err := os.Stat(s.pathFor(digest))
	return err == nil
}

func (s *Store) write(digest string, data []byte) error {
	path := s.pathFor(digest)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing module blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalizing module blob: %w", err)
	}
	return nil
}

func (s *Store) pathFor(digest string) string {
	return filepath.Join(s.dir, sanitizeDigest(digest))
}

func sanitizeDigest(digest string) string {
	return strings.ReplaceAll(digest, ":", "_")
}
