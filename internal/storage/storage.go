// Package storage keeps versioned profile records keyed by profile id.
//
// Every backend applies the same version discipline: a write with a lower
// version than the stored record, or the same version with different
// content, is rejected; re-writing identical content is a no-op.
package storage

import (
	"context"
	"encoding/json"

	"mercury/internal/errs"
	"mercury/internal/proto"
)

// Record is a versioned value addressed by a profile id.
type Record[T any] interface {
	RecordID() proto.ProfileID
	RecordVersion() uint64
	SameContent(other T) bool
	Tombstone() T
	IsTombstone() bool
}

type Repository[T Record[T]] interface {
	// Get fails with errs.NotFound for unknown or cleared ids.
	Get(ctx context.Context, id proto.ProfileID) (T, error)
	Set(ctx context.Context, rec T) error
	// Clear replaces the record with its tombstone.
	Clear(ctx context.Context, id proto.ProfileID) error
}

type (
	PublicRepo  = Repository[proto.Profile]
	PrivateRepo = Repository[proto.OwnProfile]
)

func encode[T any](rec T) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errs.Wrap(err, errs.StorageFailed)
	}
	return data, nil
}

func decode[T any](data []byte) (T, error) {
	var rec T
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, errs.Wrap(err, errs.StorageFailed)
	}
	return rec, nil
}

// admit decides whether next may replace stored. A false result with no
// error means the write is an idempotent no-op.
func admit[T Record[T]](stored T, found bool, next T) (bool, error) {
	if !found {
		return true, nil
	}
	sv, nv := stored.RecordVersion(), next.RecordVersion()
	switch {
	case nv < sv:
		return false, errs.Newf(errs.VersionConflict, "%s: version %d older than stored %d", next.RecordID().Short(), nv, sv)
	case nv == sv && next.SameContent(stored):
		return false, nil
	case nv == sv:
		return false, errs.Newf(errs.VersionConflict, "%s: version %d reused with different content", next.RecordID().Short(), nv)
	}
	return true, nil
}

func notFound(id proto.ProfileID) error {
	return errs.Newf(errs.NotFound, "profile %s", id.Short())
}

// visible hides tombstones from readers.
func visible[T Record[T]](rec T, id proto.ProfileID) (T, error) {
	if rec.IsTombstone() {
		var zero T
		return zero, notFound(id)
	}
	return rec, nil
}
