package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"

	"mercury/internal/crypto"
	"mercury/internal/errs"
	"mercury/internal/proto"
)

// File keeps every record in one JSON snapshot that is rewritten through a
// temp file and rename on each change. With a seal key the records are
// XChaCha20-Poly1305 sealed and bound to their id.
type File[T Record[T]] struct {
	mu      sync.Mutex
	path    string
	kind    string
	sealKey []byte
	mem     *Memory[T]
}

type fileSnapshot struct {
	Kind    string                     `json:"kind"`
	Records map[string]json.RawMessage `json:"records"`
}

// OpenFile loads or creates the snapshot at path. kind names the record
// family and is part of the sealing context.
func OpenFile[T Record[T]](path, kind string, sealKey []byte) (*File[T], error) {
	if sealKey != nil && len(sealKey) != crypto.XKeySize {
		return nil, errors.Newf("bad seal key size %d", len(sealKey))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errs.Wrap(err, errs.StorageFailed)
	}
	f := &File[T]{path: path, kind: kind, sealKey: sealKey, mem: NewMemory[T]()}
	if err := f.readSnapshot(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File[T]) aad(id proto.ProfileID) []byte {
	return crypto.BuildAAD(f.kind, id[:])
}

func (f *File[T]) readSnapshot() error {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrap(err, errs.StorageFailed)
	}
	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errs.Wrap(errors.Wrapf(err, "decode %s", f.path), errs.StorageFailed)
	}
	if snap.Kind != "" && snap.Kind != f.kind {
		return errs.Newf(errs.StorageFailed, "%s holds %q records, not %q", f.path, snap.Kind, f.kind)
	}
	for key, raw := range snap.Records {
		id, err := proto.ParseProfileID(key)
		if err != nil {
			return errs.Wrap(err, errs.StorageFailed)
		}
		blob := []byte(raw)
		if f.sealKey != nil {
			var sealed []byte
			if err := json.Unmarshal(raw, &sealed); err != nil {
				return errs.Wrap(err, errs.StorageFailed)
			}
			blob, err = crypto.OpenBlob(f.sealKey, sealed, f.aad(id))
			if err != nil {
				return errs.Wrap(errors.Wrapf(err, "open record %s", id.Short()), errs.StorageFailed)
			}
		}
		f.mem.data[id] = blob
	}
	return nil
}

func (f *File[T]) writeSnapshot() error {
	snap := fileSnapshot{Kind: f.kind, Records: make(map[string]json.RawMessage, len(f.mem.data))}
	for id, raw := range f.mem.data {
		blob := json.RawMessage(raw)
		if f.sealKey != nil {
			sealed, err := crypto.SealBlob(f.sealKey, raw, f.aad(id))
			if err != nil {
				return errs.Wrap(err, errs.StorageFailed)
			}
			if blob, err = json.Marshal(sealed); err != nil {
				return errs.Wrap(err, errs.StorageFailed)
			}
		}
		snap.Records[id.String()] = blob
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errs.Wrap(err, errs.StorageFailed)
	}
	if err := writeAtomic(f.path, data); err != nil {
		return errs.Wrap(err, errs.StorageFailed)
	}
	return nil
}

func (f *File[T]) Get(ctx context.Context, id proto.ProfileID) (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mem.Get(ctx, id)
}

func (f *File[T]) Set(ctx context.Context, rec T) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.mem.data[rec.RecordID()]
	if err := f.mem.Set(ctx, rec); err != nil {
		return err
	}
	if err := f.writeSnapshot(); err != nil {
		f.restore(rec.RecordID(), prev, had)
		return err
	}
	return nil
}

func (f *File[T]) Clear(ctx context.Context, id proto.ProfileID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.mem.data[id]
	if err := f.mem.Clear(ctx, id); err != nil {
		return err
	}
	if err := f.writeSnapshot(); err != nil {
		f.restore(id, prev, had)
		return err
	}
	return nil
}

func (f *File[T]) restore(id proto.ProfileID, prev []byte, had bool) {
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	if had {
		f.mem.data[id] = prev
	} else {
		delete(f.mem.data, id)
	}
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := fh.Write(data); err != nil {
		_ = fh.Close()
		return err
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return err
	}
	// close before rename, windows refuses otherwise
	if err := fh.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}
