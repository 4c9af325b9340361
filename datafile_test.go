package corvid

import (
	"bytes"
	"os"
	"testing"
)

func openTestDataFile(t *testing.T) *DataFile {
	t.Helper()
	df, err := OpenMemory(t.Name(), Options{KeyStoreCapabilities: KeyStoreSequences | KeyStoreSoftDeletes})
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() {
		if err := df.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return df
}

func TestDataFileUpdateAndView(t *testing.T) {
	df := openTestDataFile(t)
	ks := df.KeyStore("docs")

	err := df.Update(func(tx *Transaction) error {
		_, err := ks.Set(tx, []byte("doc1"), []byte("hello"))
		return err
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = df.View(func(tx *ReadOnlyTransaction) error {
		rec, err := ks.Get(tx, []byte("doc1"), false)
		if err != nil {
			return err
		}
		if rec == nil || string(rec.Body) != "hello" {
			t.Fatalf("Get = %v, wanted hello", rec)
		}
		if rec.Sequence != 1 {
			t.Fatalf("Sequence = %d, wanted 1", rec.Sequence)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

// Scenario 5 (spec §8): a second writer blocks until the first commits.
func TestDataFileSerializesWriters(t *testing.T) {
	df := openTestDataFile(t)
	ks := df.KeyStore("docs")

	tx1, err := df.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	ks.Set(tx1, []byte("k"), []byte("v1"))

	done := make(chan error, 1)
	go func() {
		done <- df.Update(func(tx *Transaction) error {
			_, err := ks.Set(tx, []byte("k"), []byte("v2"))
			return err
		})
	}()

	select {
	case <-done:
		t.Fatalf("second writer proceeded before first committed")
	default:
	}

	if err := tx1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("second writer: %v", err)
	}

	df.View(func(tx *ReadOnlyTransaction) error {
		rec, _ := ks.Get(tx, []byte("k"), false)
		if string(rec.Body) != "v2" {
			t.Fatalf("final value = %q, wanted v2", rec.Body)
		}
		return nil
	})
}

func TestDataFileRejectsWriteOnReadOnly(t *testing.T) {
	path := t.TempDir() + "/test.corvid"
	rw, err := Open(path, Options{Create: true, Writeable: true})
	if err != nil {
		t.Fatalf("Open(rw): %v", err)
	}
	if err := rw.Update(func(tx *Transaction) error {
		_, err := rw.KeyStore("docs").Set(tx, []byte("k"), []byte("v"))
		return err
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close(rw): %v", err)
	}

	ro, err := Open(path, Options{Writeable: false})
	if err != nil {
		t.Fatalf("Open(ro): %v", err)
	}
	defer ro.Close()

	if _, err := ro.Begin(); err == nil {
		t.Fatalf("Begin on a read-only DataFile should fail")
	}
}

func TestDataFileBackupRestoresData(t *testing.T) {
	path := t.TempDir() + "/test.corvid"
	df, err := Open(path, Options{Create: true, Writeable: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ks := df.KeyStore("docs")
	if err := df.Update(func(tx *Transaction) error {
		_, err := ks.Set(tx, []byte("k"), []byte("v"))
		return err
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	var buf bytes.Buffer
	if err := df.Backup(&buf); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("Backup wrote no bytes")
	}
	df.Close()

	restorePath := t.TempDir() + "/restored.corvid"
	if err := os.WriteFile(restorePath, buf.Bytes(), 0644); err != nil {
		t.Fatalf("writing restored file: %v", err)
	}

	restored, err := Open(restorePath, Options{})
	if err != nil {
		t.Fatalf("Open restored: %v", err)
	}
	defer restored.Close()
	restored.View(func(tx *ReadOnlyTransaction) error {
		rec, err := restored.KeyStore("docs").Get(tx, []byte("k"), false)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec == nil || string(rec.Body) != "v" {
			t.Fatalf("restored Get = %v, wanted v", rec)
		}
		return nil
	})
}

func TestDataFileBackupRejectsInMemory(t *testing.T) {
	df := openTestDataFile(t)
	if err := df.Backup(&bytes.Buffer{}); err == nil {
		t.Fatalf("Backup on an in-memory DataFile should fail")
	}
}

func TestDataFileDropKeyStoreRemovesRecords(t *testing.T) {
	df := openTestDataFile(t)
	ks := df.KeyStore("docs")
	df.Update(func(tx *Transaction) error {
		_, err := ks.Set(tx, []byte("k"), []byte("v"))
		return err
	})

	if err := df.Update(func(tx *Transaction) error {
		return df.DropKeyStore(tx, "docs")
	}); err != nil {
		t.Fatalf("DropKeyStore: %v", err)
	}

	ks2 := df.KeyStore("docs")
	df.View(func(tx *ReadOnlyTransaction) error {
		rec, err := ks2.Get(tx, []byte("k"), false)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if rec != nil {
			t.Fatalf("Get after DropKeyStore = %v, wanted nil", rec)
		}
		return nil
	})
}

func TestDataFileSharedHelperCachesAcrossCalls(t *testing.T) {
	df := openTestDataFile(t)
	calls := 0
	create := func() any {
		calls++
		return calls
	}
	a := df.SharedHelper("thing", create)
	b := df.SharedHelper("thing", create)
	if a != b || calls != 1 {
		t.Fatalf("SharedHelper called create %d times, wanted 1", calls)
	}
}

func TestDataFileDocumentKeysInterning(t *testing.T) {
	df, err := OpenMemory(t.Name(), Options{KeyStoreCapabilities: KeyStoreSequences, UseDocumentKeys: true})
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer df.Close()

	docs := NewDocumentStore(df.KeyStoreWithCapabilities("docs", KeyStoreSequences|KeyStoreSoftDeletes))
	df.Update(func(tx *Transaction) error {
		_, _, err := docs.Put(tx, PutRequest{DocID: "doc1", Body: []byte(`{"name":"a"}`), BodyEncoding: BodyJSON})
		return err
	})

	keys := df.documentKeys()
	if keys == nil {
		t.Fatalf("documentKeys() = nil with UseDocumentKeys set")
	}
	if _, ok := keys.key(keys.intern("name")); !ok {
		t.Fatalf("expected \"name\" to already be interned")
	}
}

func TestDataFileEncryptionRoundTrip(t *testing.T) {
	key := make([]byte, EncryptionKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	df, err := OpenMemory(t.Name(), Options{
		EncryptionAlgorithm:  EncryptionAES256GCM,
		EncryptionKey:        key,
		KeyStoreCapabilities: KeyStoreSequences,
	})
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer df.Close()

	ks := df.KeyStore("docs")
	if err := df.Update(func(tx *Transaction) error {
		_, err := ks.Set(tx, []byte("doc1"), []byte("secret"))
		return err
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	df.View(func(tx *ReadOnlyTransaction) error {
		rec, err := ks.Get(tx, []byte("doc1"), false)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(rec.Body) != "secret" {
			t.Fatalf("Body = %q, wanted secret", rec.Body)
		}
		return nil
	})
}
