// Package config loads the gasreplay configuration file and turns it into
// the Config values of the individual packages.
//
// The file is YAML. Every field is optional; absent fields keep the values
// of Default.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/fortiblox/gasreplay/internal/fileio"
	"github.com/fortiblox/gasreplay/pkg/chainstore"
	"github.com/fortiblox/gasreplay/pkg/executor"
	"github.com/fortiblox/gasreplay/pkg/gascost"
	"github.com/fortiblox/gasreplay/pkg/replayer"
	"github.com/fortiblox/gasreplay/pkg/report"
	"github.com/fortiblox/gasreplay/pkg/rpcfetch"
	"github.com/fortiblox/gasreplay/pkg/usagedb"
	"github.com/fortiblox/gasreplay/pkg/validator"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the configuration file.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Source    StoreConfig     `yaml:"source"`
	Dest      StoreConfig     `yaml:"dest"`
	Replay    ReplayConfig    `yaml:"replay"`
	Validator ValidatorConfig `yaml:"validator"`
	State     StateConfig     `yaml:"state"`
	Report    ReportConfig    `yaml:"report"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Fetch     FetchConfig     `yaml:"fetch"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error, crit.
	Level string `yaml:"level"`

	// Format is terminal, logfmt or json.
	Format string `yaml:"format"`
}

// StoreConfig configures a chain store.
type StoreConfig struct {
	Path      string `yaml:"path"`
	Backend   string `yaml:"backend"`
	NoSync    bool   `yaml:"nosync"`
	CacheSize int    `yaml:"cache_size"`
}

// ReplayConfig configures the replay driver.
type ReplayConfig struct {
	// End is the exclusive height bound; zero replays the whole source.
	End              uint64                  `yaml:"end"`
	ProgressInterval uint64                  `yaml:"progress_interval"`
	HeaderMode       replayer.ValidationMode `yaml:"header_mode"`
	OmmerMode        replayer.ValidationMode `yaml:"ommer_mode"`
}

// ValidatorConfig configures the structural validator.
type ValidatorConfig struct {
	RequireReceipts bool   `yaml:"require_receipts"`
	Accounting      bool   `yaml:"accounting"`
	Mode            string `yaml:"mode"`
}

// StateConfig configures block re-execution. When Execute is off the
// validator stays structural.
type StateConfig struct {
	Execute bool   `yaml:"execute"`
	Path    string `yaml:"path"` // empty keeps state in memory

	// Genesis is a geth genesis JSON file, optionally compressed. Empty
	// selects the mainnet genesis.
	Genesis string `yaml:"genesis"`
	Cache   int    `yaml:"cache"`
	Handles int    `yaml:"handles"`
}

// ReportConfig configures the usage report. An empty path disables it.
type ReportConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
}

// ArchiveConfig configures the usage archive. An empty path disables it.
type ArchiveConfig struct {
	Path       string `yaml:"path"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// FetchConfig configures downloading blocks from JSON-RPC endpoints into the
// source chain.
type FetchConfig struct {
	Endpoints    []string      `yaml:"endpoints"`
	Workers      int           `yaml:"workers"`
	MaxRetries   int           `yaml:"max_retries"`
	Timeout      time.Duration `yaml:"timeout"`
	LagThreshold uint64        `yaml:"lag_threshold"`
}

// ScheduleConfig overrides entries of the two cost tables. Keys are the
// names listed by gasreplay schedule.
type ScheduleConfig struct {
	Live      map[string]uint64 `yaml:"live"`
	Simulated map[string]uint64 `yaml:"simulated"`
}

// Default returns the default configuration.
func Default() Config {
	source := chainstore.DefaultConfig("source.db")
	dest := chainstore.DefaultConfig("replay.db")
	rc := replayer.DefaultConfig()
	return Config{
		Log: LogConfig{Level: "info", Format: "terminal"},
		Source: StoreConfig{
			Path:      source.Path,
			Backend:   source.Backend,
			CacheSize: source.HeaderCacheSize,
		},
		Dest: StoreConfig{
			Path:      dest.Path,
			Backend:   dest.Backend,
			CacheSize: dest.HeaderCacheSize,
		},
		Replay: ReplayConfig{
			ProgressInterval: rc.ProgressInterval,
			HeaderMode:       rc.HeaderMode,
			OmmerMode:        rc.OmmerMode,
		},
		Validator: ValidatorConfig{
			Accounting: true,
			Mode:       gascost.ModeLive.String(),
		},
		State: StateConfig{
			Path:    "state.db",
			Cache:   executor.DefaultConfig().Cache,
			Handles: executor.DefaultConfig().Handles,
		},
		Report: ReportConfig{Format: string(report.FormatFlat)},
		Fetch: FetchConfig{
			Workers:      rpcfetch.DefaultWorkers,
			MaxRetries:   rpcfetch.DefaultMaxRetries,
			Timeout:      rpcfetch.DefaultRequestTimeout,
			LagThreshold: rpcfetch.DefaultLagThreshold,
		},
	}
}

// Load reads a configuration file on top of the defaults. Unknown keys are
// rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults.
func Parse(data []byte) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Marshal encodes the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks values the packages would reject later.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log level: %v", ErrInvalid, err)
	}
	switch c.Log.Format {
	case "terminal", "logfmt", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalid, c.Log.Format)
	}
	for name, s := range map[string]StoreConfig{"source": c.Source, "dest": c.Dest} {
		switch s.Backend {
		case chainstore.BackendBolt, chainstore.BackendLevelDB, chainstore.BackendMemory:
		default:
			return fmt.Errorf("%w: %s backend %q", ErrInvalid, name, s.Backend)
		}
		if s.Path == "" && s.Backend != chainstore.BackendMemory {
			return fmt.Errorf("%w: %s path is empty", ErrInvalid, name)
		}
	}
	if _, err := gascost.ParseMode(c.Validator.Mode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := report.ParseFormat(c.Report.Format); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.Dispatcher(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.State.Cache < 0 || c.State.Handles < 0 {
		return fmt.Errorf("%w: state cache and handles must not be negative", ErrInvalid)
	}
	if c.Fetch.Workers < 0 || c.Fetch.MaxRetries < 0 || c.Fetch.Timeout < 0 {
		return fmt.Errorf("%w: fetch workers, retries and timeout must not be negative", ErrInvalid)
	}
	return nil
}

// ParseLevel maps a log level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "trce":
		return log.LevelTrace, nil
	case "debug", "dbug":
		return log.LevelDebug, nil
	case "info":
		return log.LevelInfo, nil
	case "warn":
		return log.LevelWarn, nil
	case "error", "eror":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	}
	return log.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewLogger builds the logger described by the log section.
func (c LogConfig) NewLogger(w io.Writer) (log.Logger, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "json":
		h = log.JSONHandlerWithLevel(w, level)
	case "logfmt":
		h = log.LogfmtHandlerWithLevel(w, level)
	default:
		h = log.NewTerminalHandlerWithLevel(w, level, !color.NoColor)
	}
	return log.NewLogger(h), nil
}

func (s StoreConfig) store(logger log.Logger) chainstore.Config {
	c := chainstore.DefaultConfig(s.Path)
	c.Backend = s.Backend
	c.NoSync = s.NoSync
	if s.CacheSize > 0 {
		c.HeaderCacheSize = s.CacheSize
	}
	c.Logger = logger
	return c
}

// SourceStore returns the read-only configuration of the source chain.
func (c Config) SourceStore(logger log.Logger) chainstore.Config {
	sc := c.Source.store(logger)
	sc.ReadOnly = true
	return sc
}

// DestStore returns the configuration of the destination chain.
func (c Config) DestStore(logger log.Logger) chainstore.Config {
	return c.Dest.store(logger)
}

// Replayer returns the replay driver configuration.
func (c Config) Replayer(logger log.Logger) replayer.Config {
	rc := replayer.DefaultConfig()
	if c.Replay.ProgressInterval > 0 {
		rc.ProgressInterval = c.Replay.ProgressInterval
	}
	rc.HeaderMode = c.Replay.HeaderMode
	rc.OmmerMode = c.Replay.OmmerMode
	rc.Logger = logger
	return rc
}

// Tables returns the live and simulated cost tables with the overrides
// applied.
func (c Config) Tables() (live, simulated gascost.Table, err error) {
	live = gascost.LiveTable()
	if err := live.Apply(c.Schedule.Live); err != nil {
		return live, simulated, fmt.Errorf("live schedule: %w", err)
	}
	simulated = gascost.EIP7904Table()
	if err := simulated.Apply(c.Schedule.Simulated); err != nil {
		return live, simulated, fmt.Errorf("simulated schedule: %w", err)
	}
	return live, simulated, nil
}

// Dispatcher builds the live and simulated schedules with their overrides.
func (c Config) Dispatcher() (*gascost.Dispatcher, error) {
	live, sim, err := c.Tables()
	if err != nil {
		return nil, err
	}
	liveName, simName := gascost.Live().Name(), gascost.EIP7904().Name()
	if len(c.Schedule.Live) > 0 {
		liveName += "+overrides"
	}
	if len(c.Schedule.Simulated) > 0 {
		simName += "+overrides"
	}
	return gascost.NewDispatcher(gascost.NewSchedule(liveName, live), gascost.NewSchedule(simName, sim)), nil
}

// BlockValidator returns the validator configuration. Receipts are read
// from receipts, usually the source chain.
func (c Config) BlockValidator(receipts validator.ReceiptSource, logger log.Logger) (validator.Config, error) {
	d, err := c.Dispatcher()
	if err != nil {
		return validator.Config{}, err
	}
	mode, err := gascost.ParseMode(c.Validator.Mode)
	if err != nil {
		return validator.Config{}, err
	}
	vc := validator.DefaultConfig()
	vc.Receipts = receipts
	vc.RequireReceipts = c.Validator.RequireReceipts
	vc.Accounting = c.Validator.Accounting
	vc.Dispatcher = d
	vc.Mode = mode
	vc.Logger = logger
	return vc, nil
}

// Executor returns the block executor configuration, or false when blocks
// are validated without execution.
func (c Config) Executor(logger log.Logger) (executor.Config, bool, error) {
	if !c.State.Execute {
		return executor.Config{}, false, nil
	}
	ec := executor.DefaultConfig()
	ec.Path = c.State.Path
	if c.State.Cache > 0 {
		ec.Cache = c.State.Cache
	}
	if c.State.Handles > 0 {
		ec.Handles = c.State.Handles
	}
	ec.Genesis = core.DefaultGenesisBlock()
	if c.State.Genesis != "" {
		g, err := LoadGenesis(c.State.Genesis)
		if err != nil {
			return executor.Config{}, false, err
		}
		ec.Genesis = g
	}
	ec.Logger = logger
	return ec, true, nil
}

// LoadGenesis reads a genesis specification in geth's JSON format.
func LoadGenesis(path string) (*core.Genesis, error) {
	r, err := fileio.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open genesis: %w", err)
	}
	defer r.Close()
	g := new(core.Genesis)
	if err := json.NewDecoder(r).Decode(g); err != nil {
		return nil, fmt.Errorf("decode genesis %s: %w", path, err)
	}
	if g.Config == nil {
		return nil, fmt.Errorf("%w: genesis %s has no chain config", ErrInvalid, path)
	}
	return g, nil
}

// ReportWriter returns the report configuration, or false when reporting is
// disabled.
func (c Config) ReportWriter(logger log.Logger) (report.Config, bool) {
	if c.Report.Path == "" {
		return report.Config{}, false
	}
	rc := report.DefaultConfig(c.Report.Path)
	rc.Format = report.Format(strings.ToLower(c.Report.Format))
	rc.Logger = logger
	return rc, true
}

// UsageArchive returns the archive configuration, or false when archiving
// is disabled.
func (c Config) UsageArchive(logger log.Logger) (usagedb.Config, bool) {
	if c.Archive.Path == "" {
		return usagedb.Config{}, false
	}
	ac := usagedb.DefaultConfig(c.Archive.Path)
	ac.SyncWrites = c.Archive.SyncWrites
	ac.Logger = logger
	return ac, true
}

// Fetcher returns the block fetcher configuration.
func (c Config) Fetcher(logger log.Logger) rpcfetch.Config {
	fc := rpcfetch.DefaultConfig()
	fc.Workers = c.Fetch.Workers
	fc.MaxRetries = c.Fetch.MaxRetries
	fc.RequestTimeout = c.Fetch.Timeout
	if c.Replay.ProgressInterval > 0 {
		fc.ProgressInterval = c.Replay.ProgressInterval
	}
	fc.Logger = logger
	return fc.WithDefaults()
}
