// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package cas implements a content-addressed blob store on a local
// directory. Blobs are keyed by the lowercase hex sha256 of their content
// and live at <root>/<instance>/<hash>. All blob access goes through a
// directory handle opened once at construction, so crafted instance or
// hash strings cannot reach outside the root.
package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/golang/protobuf/proto"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/benbrittain/gaudi/log"
)

// DefaultInstance is the instance directory used when a request carries
// an empty REAPI instance name.
const DefaultInstance = "remote-execution"

// ErrInvalidProto reports that a blob exists but does not decode as the
// requested record type.
var ErrInvalidProto = errors.New("cas: invalid proto")

// Store is a content-addressed store rooted at a single directory.
// The zero value is not usable; construct with New. Store is safe for
// concurrent use, the root handle is shared immutably.
type Store struct {
	root   string
	rootFD int
}

// New opens (and if needed creates) a store rooted at dir. The root path
// is canonicalised and the default instance directory is created.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, DefaultInstance), 0755); err != nil {
		return nil, err
	}
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, err
	}
	rootFD, err := openRoot(root)
	if err != nil {
		return nil, fmt.Errorf("cas: open root %s: %w", root, err)
	}
	return &Store{root: root, rootFD: rootFD}, nil
}

// Root returns the canonical root directory of the store.
func (s *Store) Root() string { return s.root }

// BlobPath returns the host path of the blob named by instance and hash.
// The file is not guaranteed to exist.
func (s *Store) BlobPath(instance, hash string) string {
	return filepath.Join(s.root, InstanceName(instance), hash)
}

// InstanceName maps a request instance name to an instance directory.
func InstanceName(instance string) string {
	if instance == "" {
		return DefaultInstance
	}
	return instance
}

// Proto reads the blob identified by d and decodes it into msg.
func (s *Store) Proto(ctx context.Context, instance string, d *repb.Digest, msg proto.Message) error {
	b, err := s.ReadAll(ctx, instance, d.GetHash())
	if err != nil {
		return err
	}
	if err := proto.Unmarshal(b, msg); err != nil {
		return fmt.Errorf("%w: %s/%s as %T: %v", ErrInvalidProto, instance, d.GetHash(), msg, err)
	}
	return nil
}

// ReadAll returns the full content of a blob.
func (s *Store) ReadAll(ctx context.Context, instance, hash string) ([]byte, error) {
	f, err := openBlob(s.rootFD, InstanceName(instance), hash)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// AddFile ingests the file at path as a new blob and returns its digest.
// The blob name is computed from the content, the caller does not pick it.
func (s *Store) AddFile(ctx context.Context, instance, path string) (*repb.Digest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d := digest.NewFromBlob(b)
	if err := s.putBlob(instance, d.Hash, b); err != nil {
		return nil, err
	}
	log.FromContext(ctx).Debugf("ingested %s (%d bytes) from %s", d.Hash, d.Size, path)
	return d.ToProto(), nil
}

// WriteData writes a blob uploaded over bytestream. Only single-shot
// writes are supported: the first message must carry the whole blob and
// have finish_write set. The digest is trusted as the blob name, the
// store does not re-verify content on later reads.
func (s *Store) WriteData(ctx context.Context, instance string, uploadID uuid.UUID, hash string, size, offset int64, finishWrite bool, data []byte) (int64, error) {
	if !finishWrite {
		return 0, fmt.Errorf("cas: upload %s: partial writes are not supported", uploadID)
	}
	if offset != 0 {
		return 0, fmt.Errorf("cas: upload %s: write offset %d not supported", uploadID, offset)
	}
	if int64(len(data)) != size {
		return 0, fmt.Errorf("cas: upload %s: declared size %d but got %d bytes", uploadID, size, len(data))
	}
	if err := s.putBlob(instance, hash, data); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (s *Store) putBlob(instance, hash string, data []byte) error {
	instance = InstanceName(instance)
	if err := unix.Mkdirat(s.rootFD, instance, 0755); err != nil && err != unix.EEXIST {
		return fmt.Errorf("cas: instance %s: %w", instance, err)
	}
	f, err := openBlob(s.rootFD, instance, hash)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}
