package corvid

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// KeyStoreCapabilities are flags requested when a KeyStore is first created
// (spec §4.4): whether it tracks a monotonic sequence per record, and
// whether deletions are tombstones (soft) or remove the record outright.
type KeyStoreCapabilities uint8

const (
	KeyStoreSequences KeyStoreCapabilities = 1 << iota
	KeyStoreSoftDeletes
)

// Options configures [Open] and [OpenMemory]. Grounded on DataFile::Options
// (LiteCore's DataFile.hh) and edb's Options in the teacher's db.go, merged
// into one struct that covers both the storage-engine knobs and corvid's
// document-store semantics.
type Options struct {
	// Create creates the file if it doesn't already exist.
	Create bool
	// Writeable opens the file for read-write access. A read-only DataFile
	// rejects Begin.
	Writeable bool
	// KeyStoreCapabilities is applied to KeyStores created through this
	// DataFile that don't specify their own.
	KeyStoreCapabilities KeyStoreCapabilities
	// EncryptionAlgorithm and EncryptionKey enable at-rest encryption of
	// record values (not keys). See [EncryptionAlgorithm].
	EncryptionAlgorithm EncryptionAlgorithm
	EncryptionKey       []byte
	// Logger receives structured diagnostics. Defaults to a warn-level text
	// logger writing to stderr.
	Logger *slogLogger
	// IsTesting relaxes bbolt's durability settings for faster test runs.
	IsTesting bool
	// UseDocumentKeys enables a shared, file-lifetime document-key interning
	// table (see [DataFile.documentKeys]) that DocumentStore consults when
	// encoding JSON object bodies, so repeated property names across
	// documents are stored once per file instead of once per record.
	UseDocumentKeys bool
	// BodyAccessor, if set, is a callback indexing code can use to carve the
	// structured payload out of a raw record body without depending on
	// DocumentStore. corvid stores it but never calls it itself: the
	// query/index engine that would is out of scope here.
	BodyAccessor func([]byte) []byte
}

// DataFile is one open corvid database file: a single bbolt file (or, for
// [OpenMemory], a transient in-memory store) holding any number of named
// [KeyStore]s. Grounded on edb's DB (db.go) and LiteCore's DataFile.hh.
//
// Multiple DataFile handles may be open on the same path within one
// process; they share a [dataFileShared] so writers still serialize
// correctly.
type DataFile struct {
	path    string
	st      storage
	shared  *dataFileShared
	options Options
	codec   *aeadCodec
	logger  *slogLogger

	ksMu      sync.Mutex
	keyStores map[string]*KeyStore

	helpersMu sync.Mutex
	helpers   map[string]any
}

// Open opens or creates a bbolt-backed DataFile at path.
func Open(path string, options Options) (*DataFile, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if options.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	bopt.ReadOnly = !options.Writeable

	if !options.Create {
		bopt.NoGrowSync = false
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("corvid: opening %s: %w", path, err)
		}
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("corvid: opening %s: %w", path, err)
	}

	codec, err := newAEADCodec(options.EncryptionAlgorithm, options.EncryptionKey)
	if err != nil {
		bdb.Close()
		return nil, err
	}

	sharedPath := path
	if abs, err := filepath.Abs(path); err == nil {
		sharedPath = abs
	}

	df := &DataFile{
		path:      path,
		st:        newBoltStorage(bdb),
		shared:    acquireShared(sharedPath),
		options:   options,
		codec:     codec,
		logger:    resolveLogger(options.Logger),
		keyStores: make(map[string]*KeyStore),
		helpers:   make(map[string]any),
	}
	return df, nil
}

// OpenMemory opens a transient, non-persistent DataFile. name distinguishes
// concurrent in-memory databases in tests; it is not a filesystem path.
func OpenMemory(name string, options Options) (*DataFile, error) {
	options.Writeable = true
	codec, err := newAEADCodec(options.EncryptionAlgorithm, options.EncryptionKey)
	if err != nil {
		return nil, err
	}
	df := &DataFile{
		path:      "memory:" + name,
		st:        newMemStorage(),
		shared:    acquireShared("memory:" + name),
		options:   options,
		codec:     codec,
		logger:    resolveLogger(options.Logger),
		keyStores: make(map[string]*KeyStore),
		helpers:   make(map[string]any),
	}
	return df, nil
}

// Path returns the path the DataFile was opened with.
func (df *DataFile) Path() string { return df.path }

// Close releases the DataFile's storage engine and shared state. It panics
// if any writable Transaction is still open, mirroring LiteCore's assertion that a
// DataFile must not be closed with live transactions.
func (df *DataFile) Close() error {
	if n := df.shared.openTransactionCount(); n > 0 {
		panic(fmt.Sprintf("corvid: closing %s with %d open transaction(s)", df.path, n))
	}
	df.shared.release()
	return df.st.Close()
}

// KeyStore returns the named store, creating it (with df's default
// capabilities) if it doesn't exist. The returned KeyStore is cached on the
// DataFile and shared by all callers.
func (df *DataFile) KeyStore(name string) *KeyStore {
	return df.KeyStoreWithCapabilities(name, df.options.KeyStoreCapabilities)
}

// KeyStoreWithCapabilities is like [DataFile.KeyStore] but only applies caps
// the first time the store is created; an already-open KeyStore keeps its
// original capabilities.
func (df *DataFile) KeyStoreWithCapabilities(name string, caps KeyStoreCapabilities) *KeyStore {
	df.ksMu.Lock()
	defer df.ksMu.Unlock()
	if ks, ok := df.keyStores[name]; ok {
		return ks
	}
	ks := &KeyStore{df: df, name: name, caps: caps}
	df.keyStores[name] = ks
	return ks
}

// SharedHelper returns the named helper, calling create to instantiate it on
// first use and caching the result for df's lifetime. Grounded on spec
// §4.5's "thread-safe string-keyed registry for reference-counted helpers
// (e.g., shared document-key tables) whose lifetime matches the file" —
// corvid ties the helper's lifetime to df itself rather than refcounting
// individually, since nothing here shares a helper across DataFile handles.
func (df *DataFile) SharedHelper(name string, create func() any) any {
	df.helpersMu.Lock()
	defer df.helpersMu.Unlock()
	if h, ok := df.helpers[name]; ok {
		return h
	}
	h := create()
	df.helpers[name] = h
	return h
}

// documentKeys returns df's shared document-key interning table, or nil if
// Options.UseDocumentKeys was not set at open.
func (df *DataFile) documentKeys() *documentKeyTable {
	if !df.options.UseDocumentKeys {
		return nil
	}
	return df.SharedHelper("documentKeys", func() any {
		return newDocumentKeyTable()
	}).(*documentKeyTable)
}

// DropKeyStore deletes the named KeyStore and all of its records. Any cached
// handle for it is discarded, so a subsequent KeyStore(name) call recreates
// an empty store.
func (df *DataFile) DropKeyStore(tx *Transaction, name string) error {
	df.ksMu.Lock()
	delete(df.keyStores, name)
	df.ksMu.Unlock()
	err := tx.stx.DeleteBucket(name)
	if err == ErrBucketNotFound {
		return nil
	}
	return err
}

// Backup writes a consistent snapshot of df's data to w. It uses
// [DataFile.withFileLock] to block new writers for the duration rather than
// going through corvid's own Transaction bookkeeping, then hands off to
// bbolt's native hot-backup support. Only file-backed DataFiles ([Open])
// support this; an [OpenMemory] DataFile has nothing durable to copy.
func (df *DataFile) Backup(w io.Writer) error {
	bs, ok := df.st.(*boltStorage)
	if !ok {
		return ErrInvalidParameter.wrap(nil, "Backup is only supported for file-backed DataFiles")
	}
	return df.withFileLock(func() error {
		return bs.bdb.View(func(btx *bbolt.Tx) error {
			_, err := btx.WriteTo(w)
			return err
		})
	})
}

// DescribeOpenTransactions returns a human-readable summary of transactions
// currently open against df's underlying file, for diagnosing a stuck
// writer. Grounded on edb's DB.DescribeOpenTxns.
func (df *DataFile) DescribeOpenTransactions() string {
	n := df.shared.openTransactionCount()
	if n == 0 {
		return "no open transactions"
	}
	return fmt.Sprintf("%d open transaction(s) on %s", n, df.path)
}
