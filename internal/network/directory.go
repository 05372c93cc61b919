package network

import (
	"context"
	"log/slog"
	"sync"

	"mercury/internal/debuglog"
	"mercury/internal/errs"
	"mercury/internal/gateway"
	"mercury/internal/proto"
	"mercury/internal/storage"
)

// Directory resolves public profiles by asking known homes and caches what
// it learns in a local repository. The local copy answers when no home
// knows the profile or none is reachable.
type Directory struct {
	local     storage.PublicRepo
	connector gateway.HomeConnector
	signer    proto.Signer
	log       *slog.Logger

	mu    sync.Mutex
	seeds []proto.ProfileID
}

var _ storage.PublicRepo = (*Directory)(nil)

// NewDirectory asks the homes in seeds, whose own profiles must already be
// in local.
func NewDirectory(local storage.PublicRepo, connector gateway.HomeConnector, signer proto.Signer, seeds ...proto.ProfileID) *Directory {
	return &Directory{
		local:     local,
		connector: connector,
		signer:    signer,
		log:       debuglog.Component("directory"),
		seeds:     seeds,
	}
}

func (d *Directory) AddSeed(id proto.ProfileID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.seeds {
		if s == id {
			return
		}
	}
	d.seeds = append(d.seeds, id)
}

func (d *Directory) seedList() []proto.ProfileID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]proto.ProfileID(nil), d.seeds...)
}

func (d *Directory) Get(ctx context.Context, id proto.ProfileID) (proto.Profile, error) {
	for _, seed := range d.seedList() {
		p, err := d.fetch(ctx, seed, id)
		if err != nil {
			d.log.Debug("seed lookup failed", "seed", seed.Short(), "id", id.Short(), "err", err)
			continue
		}
		d.remember(ctx, p)
		return p, nil
	}
	p, err := d.local.Get(ctx, id)
	if err != nil {
		return proto.Profile{}, errs.Wrap(err, errs.LookupFailed)
	}
	return p, nil
}

func (d *Directory) fetch(ctx context.Context, seed, id proto.ProfileID) (proto.Profile, error) {
	hp, err := d.local.Get(ctx, seed)
	if err != nil {
		return proto.Profile{}, err
	}
	home, err := d.connector.Connect(ctx, hp, d.signer)
	if err != nil {
		return proto.Profile{}, err
	}
	p, err := home.Load(ctx, id)
	if err != nil {
		return proto.Profile{}, err
	}
	if p.ID != id {
		return proto.Profile{}, errs.Newf(errs.ProfileMismatch, "asked for %s, got %s", id.Short(), p.ID.Short())
	}
	if err := p.Validate(); err != nil {
		return proto.Profile{}, err
	}
	return p, nil
}

func (d *Directory) remember(ctx context.Context, p proto.Profile) {
	if err := d.local.Set(ctx, p); err != nil && !errs.Is(err, errs.VersionConflict) {
		d.log.Warn("profile not cached", "id", p.ID.Short(), "err", err)
	}
}

// Set records p locally only.
func (d *Directory) Set(ctx context.Context, p proto.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return d.local.Set(ctx, p)
}

func (d *Directory) Clear(ctx context.Context, id proto.ProfileID) error {
	return d.local.Clear(ctx, id)
}
