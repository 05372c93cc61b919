package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v2"
)

type config struct {
	DataDir   string   `toml:"data_dir"`
	Listen    string   `toml:"listen"`
	Advertise []string `toml:"advertise"`

	PublicStore string `toml:"public_store"`
	PostgresURL string `toml:"postgres_url"`
	SealPrivate bool   `toml:"seal_private"`

	CallTimeout   duration `toml:"call_timeout"`
	SinkBuffer    int      `toml:"sink_buffer"`
	RequireInvite bool     `toml:"require_invite"`

	CertFile          string  `toml:"cert_file"`
	KeyFile           string  `toml:"key_file"`
	MaxConnsPerIP     int     `toml:"max_conns_per_ip"`
	MaxStreamsPerIP   int     `toml:"max_streams_per_ip"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	RequestBurst      int     `toml:"request_burst"`

	LogFile         string   `toml:"log_file"`
	LogJSON         bool     `toml:"log_json"`
	Debug           bool     `toml:"debug"`
	MetricsPath     string   `toml:"metrics_path"`
	MetricsInterval duration `toml:"metrics_interval"`
	PprofAddr       string   `toml:"pprof_addr"`
	PprofPublic     bool     `toml:"pprof_public"`
}

type duration struct{ time.Duration }

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func defaultConfig() config {
	dir := ".mercury-home"
	if h, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(h, ".mercury-home")
	}
	return config{
		DataDir:           dir,
		Listen:            "0.0.0.0:4242",
		PublicStore:       "pebble",
		SealPrivate:       true,
		CallTimeout:       duration{30 * time.Second},
		SinkBuffer:        1024,
		MaxConnsPerIP:     64,
		MaxStreamsPerIP:   256,
		RequestsPerSecond: 50,
		RequestBurst:      100,
		MetricsInterval:   duration{time.Minute},
	}
}

func (c config) keyDir() string      { return filepath.Join(c.DataDir, "keys") }
func (c config) publicDir() string   { return filepath.Join(c.DataDir, "public") }
func (c config) publicFile() string  { return filepath.Join(c.DataDir, "public.json") }
func (c config) privateFile() string { return filepath.Join(c.DataDir, "private.json") }

func (c config) validate() error {
	switch c.PublicStore {
	case "pebble", "file", "memory":
	case "postgres":
		if c.PostgresURL == "" {
			return errors.New("public_store postgres needs postgres_url")
		}
	default:
		return errors.Newf("unknown public_store %q", c.PublicStore)
	}
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	return nil
}

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "TOML configuration file",
		EnvVars: []string{"MERCURY_HOME_CONFIG"},
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "directory for keys and stores",
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "QUIC listen address",
	}
	advertiseFlag = &cli.StringSliceFlag{
		Name:  "advertise",
		Usage: "addresses published in the home profile (default: listen address)",
	}
	publicStoreFlag = &cli.StringFlag{
		Name:  "public.store",
		Usage: "public profile store: pebble, file, postgres or memory",
	}
	postgresFlag = &cli.StringFlag{
		Name:    "public.postgres",
		Usage:   "postgres URL for the public store",
		EnvVars: []string{"MERCURY_POSTGRES_URL"},
	}
	sealFlag = &cli.BoolFlag{
		Name:  "private.seal",
		Usage: "encrypt the private profile store at rest",
	}
	callTimeoutFlag = &cli.DurationFlag{
		Name:  "call.timeout",
		Usage: "how long a call waits for the callee",
	}
	sinkBufferFlag = &cli.IntFlag{
		Name:  "sink.buffer",
		Usage: "items kept for an offline listener (negative: unbounded)",
	}
	inviteFlag = &cli.BoolFlag{
		Name:  "require-invite",
		Usage: "only register profiles presenting an invitation",
	}
	certFlag = &cli.StringFlag{
		Name:  "tls.cert",
		Usage: "TLS certificate (default: built-in development certificate)",
	}
	keyFlag = &cli.StringFlag{
		Name:  "tls.key",
		Usage: "TLS private key",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "write logs to a rotating file",
	}
	logJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "log as JSON",
	}
	debugFlag = &cli.BoolFlag{
		Name:    "debug",
		Usage:   "debug logging",
		EnvVars: []string{"MERCURY_DEBUG"},
	}
	metricsFlag = &cli.StringFlag{
		Name:  "metrics.path",
		Usage: "write a JSON metrics snapshot here periodically",
	}
	pprofFlag = &cli.StringFlag{
		Name:  "pprof",
		Usage: "serve the runtime profiler on this loopback address",
	}
)

var serveFlags = []cli.Flag{
	configFlag, dataDirFlag, listenFlag, advertiseFlag, publicStoreFlag, postgresFlag,
	sealFlag, callTimeoutFlag, sinkBufferFlag, inviteFlag, certFlag, keyFlag,
	logFileFlag, logJSONFlag, debugFlag, metricsFlag, pprofFlag,
}

// loadConfig layers defaults, the TOML file, then explicitly set flags.
func loadConfig(ctx *cli.Context) (config, error) {
	cfg := defaultConfig()
	if path := ctx.String(configFlag.Name); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "config %s", path)
		}
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(listenFlag.Name) {
		cfg.Listen = ctx.String(listenFlag.Name)
	}
	if ctx.IsSet(advertiseFlag.Name) {
		cfg.Advertise = ctx.StringSlice(advertiseFlag.Name)
	}
	if ctx.IsSet(publicStoreFlag.Name) {
		cfg.PublicStore = ctx.String(publicStoreFlag.Name)
	}
	if ctx.IsSet(postgresFlag.Name) {
		cfg.PostgresURL = ctx.String(postgresFlag.Name)
	}
	if ctx.IsSet(sealFlag.Name) {
		cfg.SealPrivate = ctx.Bool(sealFlag.Name)
	}
	if ctx.IsSet(callTimeoutFlag.Name) {
		cfg.CallTimeout = duration{ctx.Duration(callTimeoutFlag.Name)}
	}
	if ctx.IsSet(sinkBufferFlag.Name) {
		cfg.SinkBuffer = ctx.Int(sinkBufferFlag.Name)
	}
	if ctx.IsSet(inviteFlag.Name) {
		cfg.RequireInvite = ctx.Bool(inviteFlag.Name)
	}
	if ctx.IsSet(certFlag.Name) {
		cfg.CertFile = ctx.String(certFlag.Name)
	}
	if ctx.IsSet(keyFlag.Name) {
		cfg.KeyFile = ctx.String(keyFlag.Name)
	}
	if ctx.IsSet(logFileFlag.Name) {
		cfg.LogFile = ctx.String(logFileFlag.Name)
	}
	if ctx.IsSet(logJSONFlag.Name) {
		cfg.LogJSON = ctx.Bool(logJSONFlag.Name)
	}
	if ctx.IsSet(debugFlag.Name) {
		cfg.Debug = ctx.Bool(debugFlag.Name)
	}
	if ctx.IsSet(metricsFlag.Name) {
		cfg.MetricsPath = ctx.String(metricsFlag.Name)
	}
	if ctx.IsSet(pprofFlag.Name) {
		cfg.PprofAddr = ctx.String(pprofFlag.Name)
	}
	return cfg, cfg.validate()
}
