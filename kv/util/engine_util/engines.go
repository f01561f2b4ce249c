package engine_util

import (
	"os"

	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinytask/kv/config"
	"github.com/pingcap/errors"
)

// OpenDB opens (or creates) the badger DB that holds all tables of the task
// cache, rooted at conf.DBPath.
func OpenDB(conf *config.Config, readOnly bool) (*badger.DB, error) {
	opts := badger.DefaultOptions
	opts.Dir = conf.DBPath
	opts.ValueDir = conf.DBPath
	opts.SyncWrites = conf.SyncWrites
	opts.ReadOnly = readOnly
	opts.NumCompactors = conf.Engine.NumCompactors
	opts.ValueThreshold = conf.Engine.ValueThreshold
	opts.ValueLogFileSize = config.SizeOf(conf.Engine.VlogFileSize)
	opts.MaxTableSize = config.SizeOf(conf.Engine.MaxTableSize)
	opts.NumMemtables = conf.Engine.NumMemTables
	opts.MaxCacheSize = config.SizeOf(conf.Engine.BlockCacheSize)
	if !readOnly {
		if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
			return nil, errors.Annotatef(err, "unable to create %s", opts.Dir)
		}
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "unable to open badger at %s", opts.Dir)
	}
	return db, nil
}

// DestroyDB closes db and removes everything stored under path.
func DestroyDB(db *badger.DB, path string) error {
	if err := db.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.RemoveAll(path))
}
