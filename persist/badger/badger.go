package badger

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// maxRetries is the number of times a transaction is retried after a
// conflict with a concurrent transaction.
const maxRetries = 10

type (
	// A Store is a badger-backed store.
	Store struct {
		db  *badger.DB
		log *zap.Logger
	}

	// badgerLogger adapts a zap logger to badger's Logger interface.
	badgerLogger struct {
		*zap.SugaredLogger
	}
)

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	for i := 0; ; i++ {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) || i >= maxRetries {
			return err
		}
		s.log.Debug("retrying conflicted transaction", zap.Int("attempt", i+1))
	}
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func open(opts badger.Options, log *zap.Logger) (*Store, error) {
	opts = opts.WithLogger(badgerLogger{log.Sugar()}).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// OpenDatabase opens a badger database at the given path.
func OpenDatabase(path string, log *zap.Logger) (*Store, error) {
	return open(badger.DefaultOptions(path), log)
}

// OpenMemory opens a badger database that is only held in memory.
func OpenMemory(log *zap.Logger) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), log)
}
