package storage

import (
	"strings"

	"github.com/dgraph-io/badger"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/oib/aitbc/internal/errs"
)

// KV is the embedded key-value store the chain node (C5) uses for block
// and state-root data, kept separate from the relational Job/Account
// ledger above — blocks are content-addressed, not relational, mirroring
// how the teacher's node/service.go picks a database.Database backend by
// DBType rather than going through its gorm-style relational path.
type KV interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Has(key []byte) (bool, error)
	Delete(key []byte) error
	IteratePrefix(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// OpenKV opens a KV store at path. A "badger://" prefix selects Badger;
// anything else (including the bare path) selects LevelDB, matching the
// teacher's LEVELDB/BADGER switch in node/service.go. An empty path
// returns an in-memory LevelDB store, for devnet and tests.
func OpenKV(path string) (KV, error) {
	if strings.HasPrefix(path, "badger://") {
		dir := strings.TrimPrefix(path, "badger://")
		opts := badger.DefaultOptions(dir)
		db, err := badger.Open(opts)
		if err != nil {
			return nil, errs.Wrap(err, errs.Dependency, "KV_OPEN", "failed to open badger store")
		}
		return &badgerKV{db: db}, nil
	}

	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, errs.Wrap(err, errs.Dependency, "KV_OPEN", "failed to open leveldb store")
	}
	return &levelKV{db: db}, nil
}

type levelKV struct{ db *leveldb.DB }

func (l *levelKV) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, errs.New(errs.NotFound, "KV_NOT_FOUND", "key not found")
	}
	return v, err
}

func (l *levelKV) Put(key, value []byte) error { return l.db.Put(key, value, nil) }

func (l *levelKV) Has(key []byte) (bool, error) { return l.db.Has(key, nil) }

func (l *levelKV) Delete(key []byte) error { return l.db.Delete(key, nil) }

func (l *levelKV) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		if err := fn(append([]byte{}, it.Key()...), append([]byte{}, it.Value()...)); err != nil {
			return err
		}
	}
	return it.Error()
}

func (l *levelKV) Close() error { return l.db.Close() }

type badgerKV struct{ db *badger.DB }

func (b *badgerKV) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return errs.New(errs.NotFound, "KV_NOT_FOUND", "key not found")
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte{}, val...)
			return nil
		})
	})
	return out, err
}

func (b *badgerKV) Put(key, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error { return txn.Set(key, value) })
}

func (b *badgerKV) Has(key []byte) (bool, error) {
	_, err := b.Get(key)
	if err == nil {
		return true, nil
	}
	if e, ok := errs.As(err); ok && e.Kind == errs.NotFound {
		return false, nil
	}
	return false, err
}

func (b *badgerKV) Delete(key []byte) error {
	return b.db.Update(func(txn *badger.Txn) error { return txn.Delete(key) })
}

func (b *badgerKV) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var val []byte
			if err := item.Value(func(v []byte) error {
				val = append([]byte{}, v...)
				return nil
			}); err != nil {
				return err
			}
			if err := fn(append([]byte{}, item.Key()...), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerKV) Close() error { return b.db.Close() }
