package corvid

import (
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

// seqCounterKey is a reserved key (impossible as a document ID, since
// document IDs never start with a NUL) holding the KeyStore's last-assigned
// sequence number.
var seqCounterKey = []byte{0x00, 's', 'e', 'q'}

// Record is one stored key-value entry, plus the bookkeeping a KeyStore
// with [KeyStoreSequences] enabled maintains for it. Grounded on spec §4.4's
// description of the DocumentStore/KeyStore boundary. Version is an opaque
// per-key CAS token: pass the Version read alongside a record into
// [KeyStore.SetVersioned] to detect a write racing against the read that
// produced it.
type Record struct {
	Key      []byte
	Sequence uint64
	Deleted  bool
	Body     []byte
	Version  []byte
}

// recordEnvelope is the on-disk representation of a Record's value: the
// key itself is stored as the bucket key and isn't repeated here. Encoded
// with msgpack, the same codec corvid's document bodies use, then run
// through the DataFile's encryption codec if any.
type recordEnvelope struct {
	Sequence uint64
	Deleted  bool
	Body     []byte
	Version  uint64
}

func encodeVersion(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeVersion(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// KeyStore is one named collection of records within a [DataFile]. Multiple
// KeyStores partition a database file the way LiteCore partitions a
// DataFile into named KeyStores (documents, local checkpoints, etc).
type KeyStore struct {
	df   *DataFile
	name string
	caps KeyStoreCapabilities
}

func (ks *KeyStore) Name() string { return ks.name }

func (ks *KeyStore) hasSequences() bool   { return ks.caps&KeyStoreSequences != 0 }
func (ks *KeyStore) hasSoftDeletes() bool { return ks.caps&KeyStoreSoftDeletes != 0 }

// Get fetches the record for key, or nil if not present (or soft-deleted,
// unless includeDeleted is true).
func (ks *KeyStore) Get(tx *ReadOnlyTransaction, key []byte, includeDeleted bool) (*Record, error) {
	b := tx.bucket(ks.name)
	if b == nil {
		return nil, nil
	}
	raw := b.Get(key)
	if raw == nil {
		return nil, nil
	}
	rec, err := ks.decode(key, raw)
	if err != nil {
		return nil, err
	}
	if rec.Deleted && !includeDeleted {
		return nil, nil
	}
	return rec, nil
}

// Set stores value under key unconditionally, assigning the next sequence
// number if this KeyStore has [KeyStoreSequences] enabled.
func (ks *KeyStore) Set(tx *Transaction, key, value []byte) (*Record, error) {
	return ks.write(tx, key, value, false, nil, false)
}

// SetVersioned stores value under key only if the record's current Version
// equals expectedVersion (nil meaning "key must not currently exist"),
// returning [ErrConflict] otherwise. This closes the gap a caller doing its
// own load-then-compare-then-write would leave between reading a Record and
// writing it back: the check and the write happen against the same bucket
// state. On success the returned Record's Version is what to pass to the
// next SetVersioned call for this key.
func (ks *KeyStore) SetVersioned(tx *Transaction, key, value, expectedVersion []byte) (*Record, error) {
	return ks.write(tx, key, value, false, expectedVersion, true)
}

// Delete removes key, or (with [KeyStoreSoftDeletes]) writes a deletion
// tombstone that Get and Enumerate skip by default but Get with
// includeDeleted still returns, so replication can propagate the tombstone.
func (ks *KeyStore) Delete(tx *Transaction, key []byte) error {
	if !ks.hasSoftDeletes() {
		b, err := tx.bucket(ks.name)
		if err != nil {
			return err
		}
		return b.Delete(key)
	}
	_, err := ks.write(tx, key, nil, true, nil, false)
	return err
}

func (ks *KeyStore) write(tx *Transaction, key, value []byte, deleted bool, expectedVersion []byte, checkVersion bool) (*Record, error) {
	b, err := tx.bucket(ks.name)
	if err != nil {
		return nil, err
	}

	nextVersion := uint64(1)
	if raw := b.Get(key); raw != nil {
		cur, err := ks.decode(key, raw)
		if err != nil {
			return nil, err
		}
		if checkVersion && !bytesEqual(cur.Version, expectedVersion) {
			return nil, ErrConflict.wrap(nil, "keystore %q: version mismatch for key %q", ks.name, key)
		}
		nextVersion = decodeVersion(cur.Version) + 1
	} else if checkVersion && len(expectedVersion) != 0 {
		return nil, ErrConflict.wrap(nil, "keystore %q: key %q does not exist", ks.name, key)
	}

	rec := &Record{Key: key, Body: value, Deleted: deleted, Version: encodeVersion(nextVersion)}
	if ks.hasSequences() {
		rec.Sequence, err = ks.nextSequence(b)
		if err != nil {
			return nil, err
		}
	}
	raw, err := ks.encode(rec)
	if err != nil {
		return nil, err
	}
	if err := b.Put(key, raw); err != nil {
		return nil, err
	}
	return rec, nil
}

func (ks *KeyStore) nextSequence(b storageBucket) (uint64, error) {
	raw := b.Get(seqCounterKey)
	var last uint64
	if raw != nil {
		dec := makeByteDecoder(raw)
		v, err := dec.Uvarint()
		if err != nil {
			return 0, dataErrf(raw, 0, err, "corrupt sequence counter in keystore %q", ks.name)
		}
		last = v
	}
	next := last + 1
	if err := b.Put(seqCounterKey, appendUvarint(nil, next)); err != nil {
		return 0, err
	}
	return next, nil
}

func (ks *KeyStore) encode(rec *Record) ([]byte, error) {
	plain, err := msgpack.Marshal(&recordEnvelope{Sequence: rec.Sequence, Deleted: rec.Deleted, Body: rec.Body, Version: decodeVersion(rec.Version)})
	if err != nil {
		return nil, err
	}
	return ks.df.codec.seal(plain)
}

func (ks *KeyStore) decode(key, raw []byte) (*Record, error) {
	plain, err := ks.df.codec.open(raw)
	if err != nil {
		return nil, err
	}
	var env recordEnvelope
	if err := msgpack.Unmarshal(plain, &env); err != nil {
		return nil, dataErrf(raw, 0, err, "corrupt record value for key %q in keystore %q", key, ks.name)
	}
	return &Record{Key: key, Sequence: env.Sequence, Deleted: env.Deleted, Body: env.Body, Version: encodeVersion(env.Version)}, nil
}

// Enumerate iterates records matching r (see [RawRange]), skipping the
// internal sequence-counter entry and, unless includeDeleted, tombstones.
// The callback returns false to stop early.
func (ks *KeyStore) Enumerate(tx *ReadOnlyTransaction, r RawRange, includeDeleted bool, fn func(*Record) (bool, error)) error {
	b := tx.bucket(ks.name)
	if b == nil {
		return nil
	}
	cur := r.newCursor(b.Cursor(), ks.df.logger)
	for cur.Next() {
		k := cur.Key()
		if bytesEqual(k, seqCounterKey) {
			continue
		}
		rec, err := ks.decode(k, cur.Value())
		if err != nil {
			return err
		}
		if rec.Deleted && !includeDeleted {
			continue
		}
		more, err := fn(rec)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// GetBySequence looks up the record with the given sequence number. Only
// valid for a KeyStore opened with [KeyStoreSequences]; This KeyStore keeps
// no secondary sequence index, so it scans. Callers needing this on a hot
// path (the replicator's changes feed) should prefer [KeyStore.Enumerate]
// over a range that already brackets the sequence.
func (ks *KeyStore) GetBySequence(tx *ReadOnlyTransaction, seq uint64) (*Record, error) {
	if !ks.hasSequences() {
		return nil, ErrInvalidParameter.wrap(nil, "keystore %q has no sequence capability", ks.name)
	}
	var found *Record
	err := ks.Enumerate(tx, RawOO(), true, func(rec *Record) (bool, error) {
		if rec.Sequence == seq {
			found = rec
			return false, nil
		}
		return true, nil
	})
	return found, err
}

// EnumeratePage is a restartable variant of Enumerate: it returns up to
// pageSize records plus an opaque continuation token. Passing that token to
// [RawRange.ResumeFrom] on the next call's range resumes immediately after
// the last record returned, so a caller can page through a KeyStore without
// holding a ReadOnlyTransaction open across calls (spec §4.4).
func (ks *KeyStore) EnumeratePage(tx *ReadOnlyTransaction, r RawRange, includeDeleted bool, pageSize int) (records []*Record, next CursorToken, err error) {
	if pageSize <= 0 {
		pageSize = 1
	}
	err = ks.Enumerate(tx, r, includeDeleted, func(rec *Record) (bool, error) {
		records = append(records, rec)
		if len(records) >= pageSize {
			next = CursorToken(append([]byte(nil), rec.Key...))
			return false, nil
		}
		return true, nil
	})
	return records, next, err
}

// KeyCount returns the number of records in the store, not counting the
// internal sequence counter entry.
func (ks *KeyStore) KeyCount(tx *ReadOnlyTransaction) int {
	b := tx.bucket(ks.name)
	if b == nil {
		return 0
	}
	n := b.KeyCount()
	if ks.hasSequences() && b.Get(seqCounterKey) != nil {
		n--
	}
	return n
}
