package db

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"tower/logs"

	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("key not found")

var errClosed = errors.New("database is not initialized or closed")

// Manager 封装 BadgerDB 的管理器
// Writes are synchronous: the backlog must survive a crash right after Add.
type Manager struct {
	Db     *badger.DB
	mu     sync.RWMutex
	Logger logs.Logger
}

// Options 打开数据库的可调参数
type Options struct {
	InMemory         bool
	ValueLogFileSize int64 // 16 << 20
	SyncWrites       bool  // true
}

func DefaultOptions() Options {
	return Options{ValueLogFileSize: 16 << 20, SyncWrites: true}
}

// NewManager 创建一个新的 DBManager 实例
func NewManager(path string, logger logs.Logger) (*Manager, error) {
	return NewManagerWithOptions(path, logger, DefaultOptions())
}

func NewManagerWithOptions(path string, logger logs.Logger, o Options) (*Manager, error) {
	if logger == nil {
		logger = logs.Default()
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if o.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	} else {
		// badger v2 不自动创建父目录，需要手动创建
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}
	if o.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = o.ValueLogFileSize
	}
	if !o.InMemory {
		opts.SyncWrites = o.SyncWrites
		// 积压队列很小，FileIO 模式减少 mmap 内存占用
		opts.TableLoadingMode = options.FileIO
		opts.ValueLogLoadingMode = options.FileIO
	}
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	logger.Debug("[DB] opened badger at %q (inMemory=%v)", path, o.InMemory)
	return &Manager{Db: db, Logger: logger}, nil
}

func (manager *Manager) db() (*badger.DB, error) {
	manager.mu.RLock()
	defer manager.mu.RUnlock()
	if manager.Db == nil {
		return nil, errClosed
	}
	return manager.Db, nil
}

// Get returns a copy of the value stored under key.
func (manager *Manager) Get(key string) ([]byte, error) {
	db, err := manager.db()
	if err != nil {
		return nil, err
	}
	var val []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

// Has reports whether key exists.
func (manager *Manager) Has(key string) (bool, error) {
	_, err := manager.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (manager *Manager) Set(key string, value []byte) error {
	return manager.ApplyBatch([]WriteTask{{Key: []byte(key), Value: value, Op: OpSet}})
}

func (manager *Manager) Delete(key string) error {
	return manager.ApplyBatch([]WriteTask{{Key: []byte(key), Op: OpDelete}})
}

// ApplyBatch commits all tasks in one transaction.
func (manager *Manager) ApplyBatch(batch []WriteTask) error {
	if len(batch) == 0 {
		return nil
	}
	db, err := manager.db()
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		for _, task := range batch {
			var err error
			switch task.Op {
			case OpSet:
				err = txn.Set(task.Key, task.Value)
			case OpDelete:
				err = txn.Delete(task.Key)
			default:
				err = fmt.Errorf("unknown write op %d", task.Op)
			}
			if err != nil {
				manager.Logger.Error("[DB] batch op on %q failed: %v", task.Key, err)
				return err
			}
		}
		return nil
	})
}

// ScanPrefix calls fn for every key under prefix in key order. Returning an
// error from fn stops the scan.
func (manager *Manager) ScanPrefix(prefix string, fn func(key string, value []byte) error) error {
	db, err := manager.db()
	if err != nil {
		return err
	}
	return db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close 关闭数据库，重复调用安全
func (manager *Manager) Close() error {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.Db == nil {
		return nil
	}
	err := manager.Db.Close()
	manager.Db = nil
	return err
}
