// mercury-home runs a Mercury home: it hosts profiles, keeps sessions of
// online members and brokers pairing requests and calls between them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v2"

	"mercury/internal/debuglog"
	"mercury/internal/home"
	"mercury/internal/metrics"
	"mercury/internal/network"
	"mercury/internal/pprofutil"
	"mercury/internal/proto"
	"mercury/internal/relation"
	"mercury/internal/storage"
	"mercury/internal/vault"
)

func newApp() *cli.App {
	return &cli.App{
		Name:   "mercury-home",
		Usage:  "host Mercury profiles and broker their calls",
		Flags:  serveFlags,
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the home (default)",
				Flags:  serveFlags,
				Action: serve,
			},
			{
				Name:   "id",
				Usage:  "print the home profile id and public key, creating the key if needed",
				Flags:  []cli.Flag{configFlag, dataDirFlag},
				Action: printID,
			},
			{
				Name:      "invite",
				Usage:     "issue a registration invitation as JSON",
				ArgsUsage: "<voucher>",
				Flags:     []cli.Flag{configFlag, dataDirFlag},
				Action:    invite,
			},
			{
				Name:      "devtls-ca",
				Usage:     "write the development TLS certificate as PEM",
				ArgsUsage: "<path>",
				Action:    writeCA,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "mercury-home: %v\n", err)
		os.Exit(1)
	}
}

func homeSigner(cfg config) (*vault.Signer, error) {
	signer, created, err := vault.LoadOrCreate(cfg.keyDir())
	if err != nil {
		return nil, errors.Wrap(err, "key vault")
	}
	if created {
		debuglog.Component("mercury-home").Info("generated home key", "dir", cfg.keyDir(), "id", signer.ProfileID().String())
	}
	return signer, nil
}

func serve(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logs := debuglog.Setup(debuglog.Options{
		File:       cfg.LogFile,
		MaxSizeMB:  64,
		MaxBackups: 5,
		Debug:      cfg.Debug,
		JSON:       cfg.LogJSON,
	})
	defer logs.Close()
	log := debuglog.Component("mercury-home")

	signer, err := homeSigner(cfg)
	if err != nil {
		return err
	}
	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(runCtx, cfg, signer)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	h := home.NewServer(signer, relation.CompositeValidator{}, st.public, st.private, home.Config{
		CallTimeout:   cfg.CallTimeout.Duration,
		SinkBuffer:    cfg.SinkBuffer,
		RequireInvite: cfg.RequireInvite,
	}, m)
	srv := network.NewServer(h, network.ServerConfig{
		CertFile:          cfg.CertFile,
		KeyFile:           cfg.KeyFile,
		MaxConnsPerIP:     cfg.MaxConnsPerIP,
		MaxStreamsPerIP:   cfg.MaxStreamsPerIP,
		RequestsPerSecond: cfg.RequestsPerSecond,
		RequestBurst:      cfg.RequestBurst,
	})
	bound, err := srv.Listen(cfg.Listen)
	if err != nil {
		return err
	}
	addrs := cfg.Advertise
	if len(addrs) == 0 {
		addrs = []string{advertised(bound)}
	}
	hp, err := h.EnsureProfile(runCtx, addrs)
	if err != nil {
		return err
	}
	log.Info("home ready", "id", hp.ID.String(), "addrs", addrs, "public_store", cfg.PublicStore)

	go writeMetrics(runCtx, m, cfg.MetricsPath, cfg.MetricsInterval.Duration)
	if cfg.PprofAddr != "" {
		if _, err := pprofutil.Start(runCtx, cfg.PprofAddr, cfg.PprofPublic, log); err != nil {
			return err
		}
	}
	err = srv.Serve(runCtx)
	log.Info("home stopped", "err", err)
	return err
}

// advertised turns a wildcard listen address into one a local client can
// dial.
func advertised(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func writeMetrics(ctx context.Context, m *metrics.Metrics, path string, every time.Duration) {
	if path == "" {
		return
	}
	if every <= 0 {
		every = time.Minute
	}
	log := debuglog.Component("metrics")
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := m.WriteSnapshot(path); err != nil {
				log.Warn("metrics snapshot failed", "err", err)
			}
			return
		case <-t.C:
			if err := m.WriteSnapshot(path); err != nil {
				log.Warn("metrics snapshot failed", "err", err)
			}
		}
	}
}

func printID(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	signer, err := homeSigner(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, signer.ProfileID().String())
	fmt.Fprintln(ctx.App.Writer, signer.PublicKey().String())
	return nil
}

func invite(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("usage: mercury-home invite <voucher>")
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	signer, err := homeSigner(cfg)
	if err != nil {
		return err
	}
	h := home.NewServer(signer, nil, storage.NewMemory[proto.Profile](), storage.NewMemory[proto.OwnProfile](), home.Config{}, nil)
	inv, err := h.Invite(ctx.Args().First())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(ctx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(inv)
}

func writeCA(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("usage: mercury-home devtls-ca <path>")
	}
	return network.WriteDevCA(ctx.Args().First())
}
