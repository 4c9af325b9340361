package corvid

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// maxDocIDLen is the longest document ID, in bytes, that Put accepts.
const maxDocIDLen = 240

// documentKeyTable interns JSON object property names into small integers,
// shared across every document body encoded in one DataFile (spec §4.5's
// "shared document-key tables" example of a per-file helper). corvid doesn't
// rewrite bodies to reference the interned ints — the table's purpose here
// is to warm a process-lifetime dictionary a future columnar/indexing layer
// could consult instead of every document repeating the same property names.
type documentKeyTable struct {
	mu   sync.Mutex
	ids  map[string]int
	keys []string
}

func newDocumentKeyTable() *documentKeyTable {
	return &documentKeyTable{ids: make(map[string]int)}
}

// intern returns key's small integer ID, assigning the next free one the
// first time key is seen.
func (t *documentKeyTable) intern(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.ids[key]; ok {
		return id
	}
	id := len(t.keys)
	t.keys = append(t.keys, key)
	t.ids[key] = id
	return id
}

// key returns the property name interned under id, if any.
func (t *documentKeyTable) key(id int) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.keys) {
		return "", false
	}
	return t.keys[id], true
}

// BodyEncoding describes the wire representation of a body passed into
// [DocumentStore.Put]. Grounded on SPEC_FULL.md §4.6: a replicator receives
// JSON bodies from peers, but corvid's stored form is msgpack throughout, so
// BodyJSON bodies are converted on the way in and back out via
// [DocumentStore.ToJSON].
type BodyEncoding int

const (
	// BodyRaw means body is already in corvid's internal (msgpack) form.
	BodyRaw BodyEncoding = iota
	// BodyJSON means body is JSON text that must be converted to msgpack
	// before storage.
	BodyJSON
)

// toInternalBody converts body (per enc) into the msgpack form every stored
// revision body uses. A BodyJSON body's top-level object keys are interned
// into the DataFile's [documentKeyTable] if Options.UseDocumentKeys is set.
func (s *DocumentStore) toInternalBody(body []byte, enc BodyEncoding) ([]byte, error) {
	if enc == BodyRaw {
		return body, nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, ErrInvalidParameter.wrap(err, "decoding JSON document body")
	}
	if keys := s.ks.df.documentKeys(); keys != nil {
		if m, ok := v.(map[string]any); ok {
			for k := range m {
				keys.intern(k)
			}
		}
	}
	out, err := msgpack.Marshal(v)
	if err != nil {
		return nil, ErrInvalidParameter.wrap(err, "encoding document body to internal form")
	}
	return out, nil
}

// ToJSON converts a stored (msgpack) body back into JSON, the inverse of
// toInternalBody with BodyJSON. Used when serving a revision to a peer over
// replication.
func (s *DocumentStore) ToJSON(body []byte) ([]byte, error) {
	var v any
	if err := msgpack.Unmarshal(body, &v); err != nil {
		return nil, ErrInvalidParameter.wrap(err, "decoding internal document body")
	}
	return json.Marshal(v)
}

// Document is a document's revision history plus its identity. Grounded on
// spec §4.6's DocumentStore/RevTree glue.
type Document struct {
	ID       string
	Sequence uint64
	Tree     *RevTree
}

// Current returns the document's winning revision, or nil if the tree is
// empty (shouldn't happen for a Document returned by this package).
func (d *Document) Current() *Rev { return d.Tree.CurrentRevision() }

// DocumentStore maps document IDs to [RevTree]s inside one [KeyStore]
// (opened with [KeyStoreSequences] and [KeyStoreSoftDeletes]). Grounded on
// spec §4.6 and LiteCore's higher-level Document/VersionedDocument classes,
// adapted to corvid's flatter storage model.
type DocumentStore struct {
	ks *KeyStore
}

// NewDocumentStore wraps ks, which should have been obtained via
// df.KeyStoreWithCapabilities(name, KeyStoreSequences|KeyStoreSoftDeletes).
func NewDocumentStore(ks *KeyStore) *DocumentStore {
	return &DocumentStore{ks: ks}
}

func (s *DocumentStore) load(tx *ReadOnlyTransaction, docID string) (*Document, error) {
	rec, err := s.ks.Get(tx, []byte(docID), true)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &Document{ID: docID, Tree: NewRevTree(4)}, nil
	}
	tree, err := DecodeRevTree(rec.Body, 4, rec.Sequence)
	if err != nil {
		return nil, err
	}
	return &Document{ID: docID, Sequence: rec.Sequence, Tree: tree}, nil
}

// Get returns the document's current state, or nil if it has never been
// written (a Document with an empty Tree is never returned).
func (s *DocumentStore) Get(tx *ReadOnlyTransaction, docID string) (*Document, error) {
	doc, err := s.load(tx, docID)
	if err != nil {
		return nil, err
	}
	if doc.Tree.Len() == 0 {
		return nil, nil
	}
	return doc, nil
}

// digestFor computes the auto-assigned digest for a new revision: the
// xxhash of the parent's revID (empty for a root revision) followed by a
// NUL separator and the new body. See SPEC_FULL.md §4.1.
func digestFor(parentRevID RevID, body []byte) string {
	h := xxhash.New()
	h.Write(parentRevID)
	h.Write([]byte{0})
	h.Write(body)
	return fmt.Sprintf("%016x", h.Sum64())
}

// PutRequest is the argument to [DocumentStore.Put], matching spec.md §4.6's
// put(request) contract.
type PutRequest struct {
	// DocID is the document to modify.
	DocID string
	// RevID, if non-empty, is the caller-supplied ID for the new revision
	// (used by the replicator, which must store a peer's revID verbatim
	// rather than generating its own). Left empty, Put auto-generates one
	// from ParentRevID and Body.
	RevID RevID
	// ParentRevID is the revision the new one is a child of. For a direct
	// (non-replicated) write it must equal the document's current
	// revision, or be empty for a brand new document, unless AllowConflict
	// is set. Ignored when History is non-empty.
	ParentRevID RevID
	// Body is the new revision's content, in the encoding named by
	// BodyEncoding.
	Body         []byte
	BodyEncoding BodyEncoding
	// Deleted marks the new revision as a tombstone.
	Deleted bool
	// AllowConflict permits the write to proceed even when ParentRevID
	// doesn't match the document's current revision, rather than failing
	// with ErrConflict: the new revision is attached to ParentRevID's own
	// revision if the tree has it, or else to a leaf at ParentRevID's
	// generation, as a branch alongside the current revision.
	AllowConflict bool
	// History is the revision's ancestry, most-recent-first, as received
	// from a replication peer (history[0] is the new revision's own ID).
	// When set, Put takes the replication path: it looks for the first
	// history entry it already has as the new revision's parent, and
	// AllowConflict/ParentRevID are ignored.
	History []RevID
}

// Put applies request to docID's revision tree and returns the resulting
// Document. wasConflict reports whether the new revision was attached as a
// conflicting branch rather than strictly extending the current revision,
// either because AllowConflict attached it to a revision other than the
// current one, or because a replicated History didn't chain from the current
// leaf. Returns [ErrConflict] if the write can't proceed at all.
func (s *DocumentStore) Put(tx *Transaction, req PutRequest) (*Document, bool, error) {
	docID := req.DocID
	if len(docID) == 0 || len(docID) > maxDocIDLen {
		return nil, false, ErrInvalidParameter.wrap(nil, "invalid document ID length %d", len(docID))
	}

	body, err := s.toInternalBody(req.Body, req.BodyEncoding)
	if err != nil {
		return nil, false, err
	}

	doc, err := s.load(tx.AsReadOnly(), docID)
	if err != nil {
		return nil, false, err
	}
	priorVersion, err := s.currentVersion(tx.AsReadOnly(), docID)
	if err != nil {
		return nil, false, err
	}

	var newRevID RevID
	var parent *Rev
	var wasConflict bool

	if len(req.History) > 0 {
		newRevID = req.History[0]
		if doc.Tree.Find(newRevID) != nil {
			return doc, false, nil // already have it
		}
		for i := 1; i < len(req.History); i++ {
			if p := doc.Tree.Find(req.History[i]); p != nil {
				parent = p
				break
			}
		}
		if cur := doc.Tree.CurrentRevision(); cur != nil && (parent == nil || !bytesEqual(parent.RevID, cur.RevID)) {
			wasConflict = true
		}
	} else {
		cur := doc.Tree.CurrentRevision()
		switch {
		case cur == nil && len(req.ParentRevID) == 0:
			// New document.
		case cur != nil && len(req.ParentRevID) > 0 && bytesEqual(cur.RevID, req.ParentRevID):
			parent = cur
		case req.AllowConflict && len(req.ParentRevID) > 0:
			if p := doc.Tree.Find(req.ParentRevID); p != nil {
				parent = p
			} else {
				gen, _, ok := ParseRevID(req.ParentRevID)
				if !ok {
					return nil, false, ErrInvalidParameter.wrap(nil, "document %q: malformed parent revision ID", docID)
				}
				leaf := doc.Tree.FindLeafWithGeneration(gen)
				if leaf == nil {
					return nil, false, ErrConflict.wrap(nil, "document %q: no leaf at generation %d to attach conflict to", docID, gen)
				}
				parent = leaf
			}
			wasConflict = true
		default:
			return nil, false, ErrConflict.wrap(nil, "document %q: parent revision mismatch", docID)
		}

		gen := 1
		if parent != nil {
			if g, _, ok := ParseRevID(parent.RevID); ok {
				gen = g + 1
			}
		}
		if len(req.RevID) > 0 {
			newRevID = req.RevID
		} else {
			newRevID = FormatRevID(gen, []byte(digestFor(req.ParentRevID, body)))
		}
	}

	doc.Tree.Insert(newRevID, body, parent, req.Deleted)

	rec, err := s.ks.SetVersioned(tx, []byte(docID), EncodeRevTree(doc.Tree), priorVersion)
	if err != nil {
		return nil, false, err
	}
	doc.Sequence = rec.Sequence
	return doc, wasConflict, nil
}

// currentVersion returns the CAS Version of docID's current stored record,
// or nil if the document has never been written (matching the "key must
// not currently exist" contract of a nil expectedVersion passed to
// [KeyStore.SetVersioned]).
func (s *DocumentStore) currentVersion(tx *ReadOnlyTransaction, docID string) ([]byte, error) {
	rec, err := s.ks.Get(tx, []byte(docID), true)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return rec.Version, nil
}

// ChangeEntry is one row of a [DocumentStore.Changes] feed.
type ChangeEntry struct {
	DocID    string
	Sequence uint64
	RevID    RevID
	Deleted  bool
}

// Changes returns up to limit documents with Sequence > since, in
// ascending sequence order, describing each one's current revision. Used
// to serve a passive replicator's "subChanges" (spec's Puller counterpart).
// limit <= 0 means unlimited.
func (s *DocumentStore) Changes(tx *ReadOnlyTransaction, since uint64, limit int) ([]ChangeEntry, error) {
	var entries []ChangeEntry
	err := s.ks.Enumerate(tx, RawOO(), false, func(rec *Record) (bool, error) {
		if rec.Sequence <= since {
			return true, nil
		}
		tree, err := DecodeRevTree(rec.Body, 0, rec.Sequence)
		if err != nil {
			return false, err
		}
		cur := tree.CurrentRevision()
		if cur == nil {
			return true, nil
		}
		entries = append(entries, ChangeEntry{
			DocID:    string(rec.Key),
			Sequence: rec.Sequence,
			RevID:    cur.RevID,
			Deleted:  cur.IsDeleted(),
		})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
