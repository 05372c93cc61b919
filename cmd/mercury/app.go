package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"

	"mercury/internal/gateway"
	"mercury/internal/network"
	"mercury/internal/proto"
	"mercury/internal/storage"
	"mercury/internal/vault"
)

// env holds the MERCURY_* environment defaults; flags override them.
type env struct {
	Dir          string        `envconfig:"DIR"`
	DevTLS       bool          `envconfig:"DEVTLS" default:"true"`
	DevTLSCAPath string        `envconfig:"DEVTLS_CA_PATH"`
	Insecure     bool          `envconfig:"INSECURE"`
	Timeout      time.Duration `envconfig:"TIMEOUT" default:"15s"`
	CacheSize    int           `envconfig:"CACHE_SIZE" default:"256"`
	Seeds        []string      `envconfig:"SEEDS"`
	Debug        bool          `envconfig:"DEBUG"`
}

func loadEnv() (env, error) {
	var e env
	if err := envconfig.Process("mercury", &e); err != nil {
		return e, err
	}
	if e.Dir == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return e, err
		}
		e.Dir = filepath.Join(h, ".mercury")
	}
	return e, nil
}

func (e env) keyDir() string        { return filepath.Join(e.Dir, "keys") }
func (e env) profilesFile() string  { return filepath.Join(e.Dir, "profiles.json") }
func (e env) ownFile() string       { return filepath.Join(e.Dir, "own.json") }
func (e env) relationsFile() string { return filepath.Join(e.Dir, "relations.json") }

// client is everything a command needs once the key is available.
type client struct {
	env       env
	signer    *vault.Signer
	local     *storage.File[proto.Profile]
	own       *storage.File[proto.OwnProfile]
	directory *network.Directory
	connector *network.Connector
	gateway   *gateway.Gateway
	relations *relationBook
}

func openClient(ctx context.Context, e env) (*client, error) {
	signer, err := vault.Load(e.keyDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("no key yet, run `mercury keygen`")
		}
		return nil, err
	}
	local, err := storage.OpenFile[proto.Profile](e.profilesFile(), "profiles", nil)
	if err != nil {
		return nil, err
	}
	own, err := storage.OpenFile[proto.OwnProfile](e.ownFile(), "own", signer.StoreKey())
	if err != nil {
		return nil, err
	}
	connector, err := network.NewConnector(network.ClientConfig{
		Insecure:     e.Insecure,
		DevTLS:       e.DevTLS,
		DevTLSCAPath: e.DevTLSCAPath,
	})
	if err != nil {
		return nil, err
	}
	directory := network.NewDirectory(local, connector, signer)
	for _, s := range e.Seeds {
		id, err := proto.ParseProfileID(s)
		if err != nil {
			return nil, errors.Wrapf(err, "seed %q", s)
		}
		directory.AddSeed(id)
	}
	if me, err := own.Get(ctx, signer.ProfileID()); err == nil {
		if persona, ok := me.Public.PersonaFacet(); ok {
			for _, id := range persona.HomeIDs(signer.ProfileID()) {
				directory.AddSeed(id)
			}
		}
	}
	profiles, err := storage.NewCached[proto.Profile](directory, e.CacheSize)
	if err != nil {
		return nil, err
	}
	return &client{
		env:       e,
		signer:    signer,
		local:     local,
		own:       own,
		directory: directory,
		connector: connector,
		gateway:   gateway.New(signer, profiles, own, connector),
		relations: &relationBook{path: e.relationsFile()},
	}, nil
}

func (c *client) Close() {
	_ = c.gateway.Close()
	_ = c.connector.Close()
}

// addHome bootstraps a home from its address and key: it dials with a
// provisional profile, then stores the profile the home itself publishes.
func (c *client) addHome(ctx context.Context, addr string, pub proto.PublicKey) (proto.Profile, error) {
	boot := proto.NewProfile(pub)
	if err := boot.SetHomeFacet(proto.HomeFacet{Addrs: []string{addr}}); err != nil {
		return proto.Profile{}, err
	}
	h, err := c.connector.Connect(ctx, boot, c.signer)
	if err != nil {
		return proto.Profile{}, err
	}
	published, err := h.Load(ctx, boot.ID)
	if err != nil {
		return proto.Profile{}, err
	}
	if err := c.directory.Set(ctx, published); err != nil {
		return proto.Profile{}, err
	}
	c.directory.AddSeed(published.ID)
	return published, nil
}
