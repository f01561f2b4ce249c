package badger_storage

import (
	"sync"

	"github.com/coocood/badger"
	"github.com/docker/go-units"
	"github.com/pingcap-incubator/tinytask/kv/config"
	"github.com/pingcap-incubator/tinytask/kv/storage"
	"github.com/pingcap-incubator/tinytask/kv/util"
	"github.com/pingcap-incubator/tinytask/kv/util/engine_util"
	"github.com/pingcap-incubator/tinytask/kv/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Keys of the meta table.
var (
	operationsKey = engine_util.IntKey(0)
	nextFreeKey   = engine_util.IntKey(1)
)

// BadgerStorage is a BackingStorage persisted in a single badger DB. The four
// tables of the task cache are column families of that DB.
type BadgerStorage struct {
	conf  *config.Config
	db    *badger.DB
	codec storage.PayloadCodec

	// readers bounds the number of concurrent read transactions.
	readers chan struct{}
	// writeMu serializes snapshots, badger would run them concurrently.
	writeMu sync.Mutex
	// closeMu keeps the DB open while a read is running.
	closeMu sync.RWMutex
	closed  *atomic.Bool

	readOnly   bool
	maxKeySize int
	maxMapSize int64
	// committed counts the bytes written since open. Files on disk lag
	// behind while the engine buffers writes.
	committed *atomic.Int64
	openSize  int64

	sizeWorker *worker.Worker
	wg         *sync.WaitGroup
}

var _ storage.BackingStorage = (*BadgerStorage)(nil)

func NewBadgerStorage(conf *config.Config, codec storage.PayloadCodec) (*BadgerStorage, error) {
	return open(conf, codec, false)
}

// NewReadOnlyBadgerStorage opens an existing store for inspection. Snapshots
// fail on a read-only store.
func NewReadOnlyBadgerStorage(conf *config.Config, codec storage.PayloadCodec) (*BadgerStorage, error) {
	return open(conf, codec, true)
}

func open(conf *config.Config, codec storage.PayloadCodec, readOnly bool) (*BadgerStorage, error) {
	if err := conf.Validate(); err != nil {
		return nil, errors.Annotate(err, "invalid config")
	}
	maxMapSize, err := conf.MapSizeBytes()
	if err != nil {
		return nil, err
	}
	if readOnly && !util.DirExists(conf.DBPath) {
		return nil, errors.Errorf("no task cache at %s", conf.DBPath)
	}
	db, err := engine_util.OpenDB(conf, readOnly)
	if err != nil {
		return nil, err
	}
	openSize, err := util.DirSize(conf.DBPath)
	if err != nil {
		db.Close()
		return nil, err
	}
	slots := conf.ReaderSlots()
	log.Info("task cache opened",
		zap.String("path", conf.DBPath),
		zap.Bool("read-only", readOnly),
		zap.String("size", units.BytesSize(float64(openSize))),
		zap.String("max-map-size", units.BytesSize(float64(maxMapSize))),
		zap.Int("reader-slots", slots))
	s := &BadgerStorage{
		conf:       conf,
		db:         db,
		codec:      codec,
		readers:    make(chan struct{}, slots),
		closed:     atomic.NewBool(false),
		readOnly:   readOnly,
		maxKeySize: conf.MaxKeySize,
		maxMapSize: maxMapSize,
		committed:  atomic.NewInt64(0),
		openSize:   openSize,
		wg:         new(sync.WaitGroup),
	}
	if interval, _ := conf.ReportInterval(); interval > 0 {
		s.startSizeReporter()
	}
	return s, nil
}

func (s *BadgerStorage) stopWorkers() {
	if s.sizeWorker != nil {
		s.sizeWorker.Stop()
	}
	s.wg.Wait()
}

func (s *BadgerStorage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.stopWorkers()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	log.Info("task cache closed", zap.String("path", s.conf.DBPath))
	return errors.WithStack(s.db.Close())
}

// Destroy closes the store and removes its directory.
func (s *BadgerStorage) Destroy() error {
	if s.closed.Swap(true) {
		return ErrAlreadyClosed
	}
	s.stopWorkers()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return engine_util.DestroyDB(s.db, s.conf.DBPath)
}

var (
	ErrAlreadyClosed = errors.New("badger storage: already closed")
	ErrReadOnly      = errors.New("badger storage: opened read-only")
)

// view runs fn in a read-only transaction once a reader slot is free.
func (s *BadgerStorage) view(fn func(txn *badger.Txn) error) error {
	s.readers <- struct{}{}
	defer func() { <-s.readers }()
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return s.db.View(fn)
}

// usage estimates the bytes used by the environment.
func (s *BadgerStorage) usage() (int64, error) {
	onDisk, err := util.DirSize(s.conf.DBPath)
	if err != nil {
		return 0, err
	}
	if estimated := s.openSize + s.committed.Load(); estimated > onDisk {
		return estimated, nil
	}
	return onDisk, nil
}

// TableStats describes one table.
type TableStats struct {
	Name       string
	Entries    int
	KeyBytes   int64
	ValueBytes int64
}

type Stats struct {
	Tables     []TableStats
	LSMSize    int64
	VlogSize   int64
	DiskSize   int64
	MaxMapSize int64
	NextFreeID storage.TaskID
}

func (s *BadgerStorage) Stats() (*Stats, error) {
	stats := &Stats{MaxMapSize: s.maxMapSize}
	err := s.view(func(txn *badger.Txn) error {
		for _, cf := range engine_util.CFs {
			c := engine_util.CountCF(txn, cf)
			stats.Tables = append(stats.Tables, TableStats{Name: cf, Entries: c.Entries, KeyBytes: c.KeyBytes, ValueBytes: c.ValueBytes})
		}
		stats.LSMSize, stats.VlogSize = s.db.Size()
		size, err := util.DirSize(s.conf.DBPath)
		if err != nil {
			return err
		}
		stats.DiskSize = size
		id, err := readNextFree(txn)
		stats.NextFreeID = id
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
