package main

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"

	"mercury/internal/proto"
	"mercury/internal/storage"
	"mercury/internal/vault"
)

const postgresTable = "mercury_profiles"

type stores struct {
	public  storage.PublicRepo
	private storage.PrivateRepo
	closers []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores opens the public store selected by cfg and the private file
// store, sealed with a key derived from the home's seed when configured.
func openStores(ctx context.Context, cfg config, signer *vault.Signer) (*stores, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	st := &stores{}
	switch cfg.PublicStore {
	case "pebble":
		p, err := storage.OpenPebble[proto.Profile](cfg.publicDir(), "profile/")
		if err != nil {
			return nil, err
		}
		st.public = p
		st.closers = append(st.closers, func() { _ = p.Close() })
	case "file":
		f, err := storage.OpenFile[proto.Profile](cfg.publicFile(), "public", nil)
		if err != nil {
			return nil, err
		}
		st.public = f
	case "postgres":
		pool, err := storage.ConnectPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, pool.Close)
		pg, err := storage.NewPostgres[proto.Profile](ctx, pool, postgresTable)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.public = pg
	case "memory":
		st.public = storage.NewMemory[proto.Profile]()
	default:
		return nil, errors.Newf("unknown public store %q", cfg.PublicStore)
	}

	var sealKey []byte
	if cfg.SealPrivate {
		sealKey = signer.StoreKey()
	}
	private, err := storage.OpenFile[proto.OwnProfile](cfg.privateFile(), "private", sealKey)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.private = private
	return st, nil
}
