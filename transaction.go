package corvid

import (
	"fmt"
	"runtime/debug"
)

// Transaction is a writable unit of work against a [DataFile]. Only one
// Transaction may be open at a time per DataFile path (enforced by
// [dataFileShared.writeMu]); readers proceed concurrently via
// [ReadOnlyTransaction]. Grounded on edb's Tx (tx.go) and LiteCore's
// DataFile::Transaction.
type Transaction struct {
	df      *DataFile
	stx     storageTx
	stack   string
	done    bool
	aborted bool
}

// ReadOnlyTransaction is a snapshot view of a DataFile that never blocks a
// writer and is never blocked by one.
type ReadOnlyTransaction struct {
	df  *DataFile
	stx storageTx
}

// Begin opens a writable Transaction, blocking until any other writer on
// this DataFile's path finishes. Callers must call Commit or Abort exactly
// once.
func (df *DataFile) Begin() (*Transaction, error) {
	if !df.options.Writeable {
		return nil, ErrNotWriteable.wrap(nil, "%s is read-only", df.path)
	}
	df.shared.writeMu.Lock()

	stx, err := df.st.BeginTx(true)
	if err != nil {
		df.shared.writeMu.Unlock()
		return nil, fmt.Errorf("corvid: begin transaction: %w", err)
	}

	tx := &Transaction{df: df, stx: stx, stack: string(debug.Stack())}
	df.shared.addTxn(tx)
	return tx, nil
}

// Update runs f inside a fresh Transaction, committing on success and
// aborting (then propagating the error) otherwise. A panic inside f aborts
// the transaction and re-panics, matching edb's safelyCall/panicked pattern
// in spirit (recovered, wrapped, and reported rather than left to unwind
// through an unlocked write mutex).
func (df *DataFile) Update(f func(tx *Transaction) error) (err error) {
	tx, err := df.Begin()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Abort()
			panic(panicked{p, string(debug.Stack())})
		}
	}()

	if err = f(tx); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

// withFileLock runs fn while holding df's write lock, without opening a
// storage-engine transaction. Grounded on spec §4.5's "runs fn while
// holding the write lock but without opening an engine transaction" —
// useful for operations that must serialize against writers (e.g.
// bulk-loading a KeyStore's underlying file) but manage their own storage
// access rather than going through Begin/Commit.
func (df *DataFile) withFileLock(fn func() error) error {
	if !df.options.Writeable {
		return ErrNotWriteable.wrap(nil, "%s is read-only", df.path)
	}
	df.shared.writeMu.Lock()
	defer df.shared.writeMu.Unlock()
	return fn()
}

// View runs f inside a fresh ReadOnlyTransaction, always releasing it
// afterward.
func (df *DataFile) View(f func(tx *ReadOnlyTransaction) error) error {
	tx, err := df.BeginReadOnly()
	if err != nil {
		return err
	}
	defer tx.Close()
	return f(tx)
}

// BeginReadOnly opens a snapshot transaction.
func (df *DataFile) BeginReadOnly() (*ReadOnlyTransaction, error) {
	stx, err := df.st.BeginTx(false)
	if err != nil {
		return nil, fmt.Errorf("corvid: begin read-only transaction: %w", err)
	}
	return &ReadOnlyTransaction{df: df, stx: stx}, nil
}

func (tx *ReadOnlyTransaction) Close() {
	tx.stx.Rollback()
}

func (tx *ReadOnlyTransaction) bucket(name string) storageBucket {
	return tx.stx.Bucket(name)
}

// AsReadOnly views tx's own writes without opening a second storage
// transaction: bbolt's Tx (and corvid's in-memory equivalent) already
// expose reads on a writable transaction, so this just relabels tx's
// underlying storageTx as a ReadOnlyTransaction for APIs that only need to
// read.
func (tx *Transaction) AsReadOnly() *ReadOnlyTransaction {
	return &ReadOnlyTransaction{df: tx.df, stx: tx.stx}
}

// Commit persists the transaction's writes and releases the write lock.
func (tx *Transaction) Commit() error {
	if tx.done {
		return ErrTransactionNotClosed.wrap(nil, "transaction already closed")
	}
	err := tx.stx.Commit()
	tx.finish(false)
	return err
}

// Abort discards the transaction's writes and releases the write lock. Safe
// to call after Commit (no-op).
func (tx *Transaction) Abort() {
	if tx.done {
		return
	}
	tx.stx.Rollback()
	tx.finish(true)
}

func (tx *Transaction) finish(aborted bool) {
	tx.done = true
	tx.aborted = aborted
	tx.df.shared.removeTxn(tx)
	tx.df.shared.writeMu.Unlock()
}

func (tx *Transaction) bucket(name string) (storageBucket, error) {
	return tx.stx.CreateBucket(name)
}

// panicked wraps a recovered panic value with its stack trace, mirroring
// edb's tx.go so a panicking Update body reports like a normal error would.
type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}
