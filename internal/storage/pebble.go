package storage

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"mercury/internal/errs"
	"mercury/internal/proto"
)

// Pebble stores records in a pebble key-value database under a prefix, so
// public and private records may share one database.
type Pebble[T Record[T]] struct {
	mu     sync.Mutex
	db     *pebble.DB
	prefix []byte
	owned  bool
}

// OpenPebbleDB opens the database at dir with settings suited to a small
// record store.
func OpenPebbleDB(dir string) (*pebble.DB, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		MaxOpenFiles:             256,
		MemTableSize:             8 << 20,
		MaxConcurrentCompactions: func() int { return 1 },
	})
	if err != nil {
		return nil, errs.Wrap(errors.Wrapf(err, "open pebble at %s", dir), errs.StorageFailed)
	}
	return db, nil
}

// OpenPebble opens a database owned by the returned repository.
func OpenPebble[T Record[T]](dir, prefix string) (*Pebble[T], error) {
	db, err := OpenPebbleDB(dir)
	if err != nil {
		return nil, err
	}
	p := NewPebble[T](db, prefix)
	p.owned = true
	return p, nil
}

func NewPebble[T Record[T]](db *pebble.DB, prefix string) *Pebble[T] {
	return &Pebble[T]{db: db, prefix: []byte(prefix)}
}

func (p *Pebble[T]) key(id proto.ProfileID) []byte {
	k := make([]byte, 0, len(p.prefix)+len(id))
	k = append(k, p.prefix...)
	return append(k, id[:]...)
}

func (p *Pebble[T]) load(id proto.ProfileID) (T, bool, error) {
	var zero T
	dat, closer, err := p.db.Get(p.key(id))
	if err == pebble.ErrNotFound {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, errs.Wrap(err, errs.StorageFailed)
	}
	defer closer.Close()
	rec, err := decode[T](dat)
	return rec, err == nil, err
}

func (p *Pebble[T]) Get(_ context.Context, id proto.ProfileID) (T, error) {
	rec, ok, err := p.load(id)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, notFound(id)
	}
	return visible(rec, id)
}

func (p *Pebble[T]) Set(_ context.Context, rec T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setLocked(rec)
}

func (p *Pebble[T]) setLocked(rec T) error {
	stored, found, err := p.load(rec.RecordID())
	if err != nil {
		return err
	}
	write, err := admit(stored, found, rec)
	if err != nil || !write {
		return err
	}
	raw, err := encode(rec)
	if err != nil {
		return err
	}
	if err := p.db.Set(p.key(rec.RecordID()), raw, pebble.Sync); err != nil {
		return errs.Wrap(err, errs.StorageFailed)
	}
	return nil
}

func (p *Pebble[T]) Clear(_ context.Context, id proto.ProfileID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored, found, err := p.load(id)
	if err != nil {
		return err
	}
	if !found || stored.IsTombstone() {
		return notFound(id)
	}
	return p.setLocked(stored.Tombstone())
}

// Close closes the database when this repository opened it.
func (p *Pebble[T]) Close() error {
	if !p.owned {
		return nil
	}
	return p.db.Close()
}
