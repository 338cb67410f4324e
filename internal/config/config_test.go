package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/gasreplay/internal/testchain"
	"github.com/fortiblox/gasreplay/pkg/chainstore"
	"github.com/fortiblox/gasreplay/pkg/gascost"
	"github.com/fortiblox/gasreplay/pkg/replayer"
	"github.com/fortiblox/gasreplay/pkg/report"
	"github.com/fortiblox/gasreplay/pkg/rpcfetch"
)

const sample = `
log:
  level: debug
  format: json
source:
  path: /data/geth-export.db
dest:
  path: /data/replay
  backend: leveldb
  nosync: true
replay:
  end: 1000000
  progress_interval: 500
  header_mode: light
  ommer_mode: full
validator:
  require_receipts: true
  mode: simulation
report:
  path: /data/usage.csv.zst
  format: all
archive:
  path: /data/usage
schedule:
  live:
    COLD_SLOAD: 2000
  simulated:
    TX_BASE: 15000
fetch:
  endpoints:
    - http://localhost:8545
    - http://archive:8545
  workers: 4
  timeout: 10s
`

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, chainstore.BackendBolt, c.Dest.Backend)
	assert.Equal(t, uint64(10_000), c.Replay.ProgressInterval)
	assert.Equal(t, replayer.ValidationFull, c.Replay.HeaderMode)
	assert.Equal(t, replayer.ValidationNone, c.Replay.OmmerMode)

	_, ok := c.ReportWriter(nil)
	assert.False(t, ok)
	_, ok = c.UsageArchive(nil)
	assert.False(t, ok)
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, uint64(1_000_000), c.Replay.End)

	src := c.SourceStore(nil)
	assert.True(t, src.ReadOnly)
	assert.Equal(t, chainstore.BackendBolt, src.Backend)
	assert.Equal(t, 4096, src.HeaderCacheSize)

	dst := c.DestStore(nil)
	assert.False(t, dst.ReadOnly)
	assert.True(t, dst.NoSync)
	assert.Equal(t, chainstore.BackendLevelDB, dst.Backend)

	rc := c.Replayer(nil)
	assert.Equal(t, uint64(500), rc.ProgressInterval)
	assert.Equal(t, replayer.ValidationLight, rc.HeaderMode)
	assert.Equal(t, replayer.ValidationFull, rc.OmmerMode)

	vc, err := c.BlockValidator(nil, nil)
	require.NoError(t, err)
	assert.True(t, vc.RequireReceipts)
	assert.True(t, vc.Accounting)
	assert.Equal(t, gascost.ModeSimulation, vc.Mode)
	assert.Equal(t, uint64(2000), vc.Dispatcher.Policy(gascost.ModeLive).ColdSloadCost())
	assert.Equal(t, uint64(15000), vc.Dispatcher.Policy(gascost.ModeSimulation).MinimumTransactionCost())

	rep, ok := c.ReportWriter(nil)
	require.True(t, ok)
	assert.Equal(t, report.FormatAll, rep.Format)
	assert.Equal(t, "/data/usage.csv.zst", rep.Path)

	arc, ok := c.UsageArchive(nil)
	require.True(t, ok)
	assert.Equal(t, "/data/usage", arc.Path)

	assert.Len(t, c.Fetch.Endpoints, 2)
	fc := c.Fetcher(nil)
	assert.Equal(t, 4, fc.Workers)
	assert.Equal(t, 10*time.Second, fc.RequestTimeout)
	assert.Equal(t, rpcfetch.DefaultMaxRetries, fc.MaxRetries)
	assert.Equal(t, uint64(500), fc.ProgressInterval)
}

func TestParseEmpty(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"UnknownKey":     "replay:\n  start: 5\n",
		"LogLevel":       "log:\n  level: loud\n",
		"LogFormat":      "log:\n  format: xml\n",
		"Backend":        "dest:\n  backend: rocksdb\n",
		"EmptyPath":      "source:\n  path: \"\"\n",
		"Mode":           "validator:\n  mode: both\n",
		"ReportFormat":   "report:\n  format: tree\n",
		"ScheduleKey":    "schedule:\n  live:\n    NOT_A_COST: 1\n",
		"ZeroDivisor":    "schedule:\n  simulated:\n    QUAD_COEFF_DIV: 0\n",
		"ValidationMode": "replay:\n  header_mode: strict\n",
		"FetchWorkers":   "fetch:\n  workers: -1\n",
		"FetchTimeout":   "fetch:\n  timeout: soon\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}

	t.Run("Wrapped", func(t *testing.T) {
		_, err := Parse([]byte("dest:\n  backend: rocksdb\n"))
		assert.ErrorIs(t, err, ErrInvalid)
	})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gasreplay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/replay", c.Dest.Path)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMarshalRoundTrip(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	data, err := c.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "header_mode: light")

	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, c, again)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "info", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("Replaying blocks", "number", 7)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"number":7`)

	buf.Reset()
	logger, err = LogConfig{Level: "trace", Format: "logfmt"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Trace("deep", "k", "v")
	assert.Contains(t, buf.String(), "k=v")

	_, err = LogConfig{Level: "nope"}.NewLogger(&buf)
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]slog.Level{
		"trace": log.LevelTrace,
		"debug": log.LevelDebug,
		"info":  log.LevelInfo,
		"WARN":  log.LevelWarn,
		"error": log.LevelError,
		"crit":  log.LevelCrit,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
	_, err = ParseLevel("")
	assert.Error(t, err)
}

func TestExecutorConfig(t *testing.T) {
	c := Default()
	_, ok, err := c.Executor(nil)
	require.NoError(t, err)
	assert.False(t, ok)

	c.State.Execute = true
	ec, ok, err := c.Executor(nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "state.db", ec.Path)
	assert.Equal(t, params.MainnetGenesisHash, ec.Genesis.ToBlock().Hash())

	dir := t.TempDir()
	genesis := testchain.GenerateExecutable(1).Genesis
	data, err := json.Marshal(genesis)
	require.NoError(t, err)
	c.State.Genesis = filepath.Join(dir, "genesis.json")
	require.NoError(t, os.WriteFile(c.State.Genesis, data, 0644))
	c.State.Cache = 256
	ec, _, err = c.Executor(nil)
	require.NoError(t, err)
	assert.Equal(t, genesis.ToBlock().Hash(), ec.Genesis.ToBlock().Hash())
	assert.Equal(t, 256, ec.Cache)

	t.Run("NoChainConfig", func(t *testing.T) {
		c.State.Genesis = filepath.Join(dir, "bare.json")
		require.NoError(t, os.WriteFile(c.State.Genesis, []byte(`{"difficulty":"0x1","gasLimit":"0x1","alloc":{}}`), 0644))
		_, _, err := c.Executor(nil)
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("Missing", func(t *testing.T) {
		c.State.Genesis = filepath.Join(dir, "missing.json")
		_, _, err := c.Executor(nil)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("NegativeCache", func(t *testing.T) {
		bad := Default()
		bad.State.Cache = -1
		assert.ErrorIs(t, bad.Validate(), ErrInvalid)
	})
}
