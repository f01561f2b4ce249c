package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/shirou/gopsutil/cpu"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	DBPath string `toml:"db-path"` // Directory to store the data in. Created when missing.

	// Storage ceiling of the environment, e.g. "20GiB". Snapshots that would
	// grow the store beyond it fail with a store-full error.
	MaxMapSize string `toml:"max-map-size"`
	// Upper bound of a table-local key. Longer task-type keys go through the
	// extended key encoding.
	MaxKeySize int `toml:"max-key-size"`
	// Sync every commit. When false only a previous commit is guaranteed to
	// survive a crash; the operations journal covers the rest.
	SyncWrites bool `toml:"sync-writes"`
	// Concurrent read transactions per logical core.
	ReaderSlotsPerCore int `toml:"reader-slots-per-core"`
	// How often the store size is reported, e.g. "1m". Empty disables the
	// report. The value log is never reclaimed, so rewrites grow the store
	// until snapshots fail with a store-full error.
	SizeReportInterval string `toml:"size-report-interval"`
	// A warning is logged once usage passes this share of max-map-size.
	SizeWarnRatio float64 `toml:"size-warn-ratio"`

	Log    log.Config `toml:"log"`
	Engine Engine     `toml:"engine"`
}

// Engine holds the badger tuning knobs.
type Engine struct {
	NumCompactors  int    `toml:"num-compactors"`
	ValueThreshold int    `toml:"value-threshold"`
	VlogFileSize   string `toml:"vlog-file-size"`
	MaxTableSize   string `toml:"max-table-size"`
	NumMemTables   int    `toml:"num-mem-tables"`
	BlockCacheSize string `toml:"block-cache-size"`
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024

	// MinKeySize leaves room for the 8 byte fingerprint of an extended key.
	MinKeySize = 16

	defaultCoreCount = 16
)

func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db-path must be set")
	}
	if c.MaxKeySize < MinKeySize {
		return fmt.Errorf("max-key-size must be at least %d, got %d", MinKeySize, c.MaxKeySize)
	}
	if c.ReaderSlotsPerCore <= 0 {
		return fmt.Errorf("reader-slots-per-core must be greater than 0")
	}
	mapSize, err := c.MapSizeBytes()
	if err != nil {
		return err
	}
	if _, err := c.ReportInterval(); err != nil {
		return err
	}
	if c.SizeWarnRatio <= 0 || c.SizeWarnRatio > 1 {
		return fmt.Errorf("size-warn-ratio must be in (0, 1], got %v", c.SizeWarnRatio)
	}
	for name, s := range map[string]string{
		"vlog-file-size":   c.Engine.VlogFileSize,
		"max-table-size":   c.Engine.MaxTableSize,
		"block-cache-size": c.Engine.BlockCacheSize,
	} {
		if _, err := units.RAMInBytes(s); err != nil {
			return errors.Annotatef(err, "invalid %s", name)
		}
	}
	// a fresh store already holds one preallocated value log file
	if vlog := SizeOf(c.Engine.VlogFileSize); mapSize < vlog {
		return fmt.Errorf("max-map-size %s must be at least vlog-file-size %s", c.MaxMapSize, c.Engine.VlogFileSize)
	}
	if c.Engine.NumMemTables <= 0 {
		return fmt.Errorf("num-mem-tables must be greater than 0")
	}
	return nil
}

// MapSizeBytes returns the storage ceiling in bytes.
func (c *Config) MapSizeBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MaxMapSize)
	if err != nil {
		return 0, errors.Annotate(err, "invalid max-map-size")
	}
	if n <= 0 {
		return 0, fmt.Errorf("max-map-size must be greater than 0")
	}
	return n, nil
}

// ReportInterval returns the size report interval, 0 when disabled.
func (c *Config) ReportInterval() (time.Duration, error) {
	if c.SizeReportInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.SizeReportInterval)
	if err != nil {
		return 0, errors.Annotate(err, "invalid size-report-interval")
	}
	if d < 0 {
		return 0, fmt.Errorf("size-report-interval must not be negative")
	}
	return d, nil
}

// ReaderSlots is the number of read transactions allowed to run at once.
func (c *Config) ReaderSlots() int {
	cores, err := cpu.Counts(true)
	if err != nil || cores <= 0 {
		cores = defaultCoreCount
	}
	return cores * c.ReaderSlotsPerCore
}

// SizeOf parses one of the engine's human readable sizes. Validate must have
// accepted the config before.
func SizeOf(s string) int64 {
	n, _ := units.RAMInBytes(s)
	return n
}

// SetupLogger setup the logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return err
	}
	log.ReplaceGlobals(lg, p)
	return nil
}

// LoadFile decodes a toml file over the default config. Unknown keys are
// rejected.
func LoadFile(path string) (*Config, error) {
	conf := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, errors.Annotatef(err, "unable to decode config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s contains undefined items: %v", path, undecoded)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func defaultEngine() Engine {
	return Engine{
		NumCompactors:  3,
		ValueThreshold: 256,
		VlogFileSize:   "256MiB",
		MaxTableSize:   "64MiB",
		NumMemTables:   3,
		BlockCacheSize: "256MiB",
	}
}

func NewDefaultConfig() *Config {
	return &Config{
		DBPath:             filepath.Join(os.TempDir(), "tinytask"),
		MaxMapSize:         "20GiB",
		MaxKeySize:         511,
		SyncWrites:         false,
		ReaderSlotsPerCore: 8,
		SizeReportInterval: "1m",
		SizeWarnRatio:      0.9,
		Log:                log.Config{Level: getLogLevel()},
		Engine:             defaultEngine(),
	}
}

func NewTestConfig(dbPath string) *Config {
	conf := NewDefaultConfig()
	conf.DBPath = dbPath
	conf.MaxMapSize = "1GiB"
	conf.SyncWrites = true
	conf.SizeReportInterval = ""
	conf.Engine.NumCompactors = 1
	conf.Engine.VlogFileSize = "16MiB"
	conf.Engine.MaxTableSize = "16MiB"
	conf.Engine.NumMemTables = 2
	conf.Engine.BlockCacheSize = "16MiB"
	return conf
}
