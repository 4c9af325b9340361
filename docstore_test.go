package corvid

import (
	"encoding/json"
	"testing"
)

func openTestDocumentStore(t *testing.T) (*DataFile, *DocumentStore) {
	t.Helper()
	df := openTestDataFile(t)
	ks := df.KeyStoreWithCapabilities("docs", KeyStoreSequences|KeyStoreSoftDeletes)
	return df, NewDocumentStore(ks)
}

func TestDocumentStorePutCreatesRoot(t *testing.T) {
	df, docs := openTestDocumentStore(t)

	var doc *Document
	err := df.Update(func(tx *Transaction) error {
		var err error
		doc, _, err = docs.Put(tx, PutRequest{DocID: "doc1", Body: []byte(`{"a":1}`)})
		return err
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	gen, _, ok := ParseRevID(doc.Current().RevID)
	if !ok || gen != 1 {
		t.Fatalf("first revision = %q, wanted generation 1", doc.Current().RevID)
	}
}

func TestDocumentStorePutRejectsStaleParent(t *testing.T) {
	df, docs := openTestDocumentStore(t)

	var rev1 RevID
	df.Update(func(tx *Transaction) error {
		doc, _, err := docs.Put(tx, PutRequest{DocID: "doc1", Body: []byte("v1")})
		if err != nil {
			return err
		}
		rev1 = doc.Current().RevID
		return nil
	})

	// Advance past rev1.
	df.Update(func(tx *Transaction) error {
		_, _, err := docs.Put(tx, PutRequest{DocID: "doc1", ParentRevID: rev1, Body: []byte("v2")})
		return err
	})

	// Now retry against the stale rev1: should conflict.
	err := df.Update(func(tx *Transaction) error {
		_, _, err := docs.Put(tx, PutRequest{DocID: "doc1", ParentRevID: rev1, Body: []byte("v3-conflicting")})
		return err
	})
	if !isKind(err, KindConflict) {
		t.Fatalf("Put against stale parent = %v, wanted a conflict", err)
	}
}

func isKind(err error, k Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == k
}

func TestDocumentStorePutAllowsConflictAtSameGeneration(t *testing.T) {
	df, docs := openTestDocumentStore(t)

	var rev1 RevID
	df.Update(func(tx *Transaction) error {
		doc, _, err := docs.Put(tx, PutRequest{DocID: "doc1", Body: []byte("v1")})
		rev1 = doc.Current().RevID
		return err
	})
	df.Update(func(tx *Transaction) error {
		_, _, err := docs.Put(tx, PutRequest{DocID: "doc1", ParentRevID: rev1, Body: []byte("v2")})
		return err
	})

	// rev1 is no longer current, but AllowConflict should still attach the
	// new revision to rev1, as a conflicting sibling of the generation-2 leaf.
	var wasConflict bool
	err := df.Update(func(tx *Transaction) error {
		var err error
		_, wasConflict, err = docs.Put(tx, PutRequest{
			DocID:         "doc1",
			ParentRevID:   rev1,
			Body:          []byte("v2-conflicting"),
			AllowConflict: true,
		})
		return err
	})
	if err != nil {
		t.Fatalf("Put with AllowConflict: %v", err)
	}
	if !wasConflict {
		t.Fatalf("wasConflict = false, wanted true")
	}

	df.View(func(tx *ReadOnlyTransaction) error {
		doc, _ := docs.Get(tx, "doc1")
		if !doc.Tree.HasConflict() {
			t.Fatalf("expected a conflict after AllowConflict attached a sibling revision")
		}
		return nil
	})
}

func TestDocumentStoreDeleteIsATombstoneRevision(t *testing.T) {
	df, docs := openTestDocumentStore(t)

	var rev1 RevID
	df.Update(func(tx *Transaction) error {
		doc, _, err := docs.Put(tx, PutRequest{DocID: "doc1", Body: []byte("v1")})
		rev1 = doc.Current().RevID
		return err
	})
	df.Update(func(tx *Transaction) error {
		_, _, err := docs.Put(tx, PutRequest{DocID: "doc1", ParentRevID: rev1, Deleted: true})
		return err
	})

	df.View(func(tx *ReadOnlyTransaction) error {
		doc, err := docs.Get(tx, "doc1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if doc == nil || !doc.Current().IsDeleted() {
			t.Fatalf("current revision should be deleted")
		}
		return nil
	})
}

// Grounded on Puller.cc's handleRev: inserting a revision by explicit
// history doesn't require the caller to know the current revision.
func TestDocumentStorePutRevisionFromHistoryBuildsConflict(t *testing.T) {
	df, docs := openTestDocumentStore(t)

	var rev1 RevID
	df.Update(func(tx *Transaction) error {
		doc, _, err := docs.Put(tx, PutRequest{DocID: "doc1", Body: []byte("v1")})
		rev1 = doc.Current().RevID
		return err
	})

	foreignRev := RevID("2-fromelsewhere")
	var wasConflict bool
	err := df.Update(func(tx *Transaction) error {
		var err error
		_, wasConflict, err = docs.Put(tx, PutRequest{
			DocID:   "doc1",
			History: []RevID{foreignRev, rev1},
			Body:    []byte("remote"),
		})
		return err
	})
	if err != nil {
		t.Fatalf("Put with History: %v", err)
	}
	if !wasConflict {
		t.Fatalf("wasConflict = false, wanted true")
	}

	df.View(func(tx *ReadOnlyTransaction) error {
		doc, _ := docs.Get(tx, "doc1")
		if !doc.Tree.HasConflict() {
			t.Fatalf("expected a conflict after inserting a sibling revision")
		}
		return nil
	})
}

func TestDocumentStorePutRevisionFromHistoryAlreadyPresentIsNoop(t *testing.T) {
	df, docs := openTestDocumentStore(t)

	var rev1 RevID
	df.Update(func(tx *Transaction) error {
		doc, _, err := docs.Put(tx, PutRequest{DocID: "doc1", Body: []byte("v1")})
		rev1 = doc.Current().RevID
		return err
	})

	err := df.Update(func(tx *Transaction) error {
		_, wasConflict, err := docs.Put(tx, PutRequest{
			DocID:   "doc1",
			History: []RevID{rev1},
			Body:    []byte("v1"),
		})
		if wasConflict {
			t.Fatalf("wasConflict = true for an already-present revision")
		}
		return err
	})
	if err != nil {
		t.Fatalf("Put with already-present History: %v", err)
	}
}

func TestDocumentStorePutJSONBodyEncoding(t *testing.T) {
	df, docs := openTestDocumentStore(t)

	var doc *Document
	err := df.Update(func(tx *Transaction) error {
		var err error
		doc, _, err = docs.Put(tx, PutRequest{
			DocID:        "doc1",
			Body:         []byte(`{"a":1,"b":"two"}`),
			BodyEncoding: BodyJSON,
		})
		return err
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	out, err := docs.ToJSON(doc.Current().Body)
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	if string(out) == `{"a":1,"b":"two"}` {
		return
	}
	// map key order isn't guaranteed; just confirm it round-trips as JSON.
	var v map[string]any
	if err := json.Unmarshal(out, &v); err != nil {
		t.Fatalf("round-tripped body isn't valid JSON: %v", err)
	}
	if v["a"] != float64(1) || v["b"] != "two" {
		t.Fatalf("round-tripped body = %v, wanted a=1 b=two", v)
	}
}

func TestDocumentStoreChangesFeedOrdering(t *testing.T) {
	df, docs := openTestDocumentStore(t)

	for _, id := range []string{"doc1", "doc2", "doc3"} {
		df.Update(func(tx *Transaction) error {
			_, _, err := docs.Put(tx, PutRequest{DocID: id, Body: []byte("v")})
			return err
		})
	}

	df.View(func(tx *ReadOnlyTransaction) error {
		entries, err := docs.Changes(tx, 0, 0)
		if err != nil {
			t.Fatalf("Changes: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("Changes = %v, wanted 3 entries", entries)
		}
		for i, e := range entries {
			if e.Sequence != uint64(i+1) {
				t.Fatalf("Changes[%d].Sequence = %d, wanted %d", i, e.Sequence, i+1)
			}
		}

		since2, err := docs.Changes(tx, 1, 0)
		if err != nil {
			t.Fatalf("Changes since 1: %v", err)
		}
		if len(since2) != 2 {
			t.Fatalf("Changes since 1 = %v, wanted 2 entries", since2)
		}
		return nil
	})
}
