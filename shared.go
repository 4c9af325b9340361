package corvid

import (
	"sync"
)

// sharedRegistry maps a canonical file path to the [dataFileShared] state
// backing every open [DataFile] on that path, so two DataFile handles on the
// same file share one writer lock and one visible-transaction list. Grounded
// on DataFile::Shared (LiteCore's DataFile.hh): "there's only one DataFile
// object per file, but a file may be open by multiple threads, and it's not
// safe to have two DataFile objects writing concurrently."
var (
	sharedRegistryMu sync.Mutex
	sharedRegistry   = map[string]*dataFileShared{}
)

// dataFileShared is the process-wide, refcounted state for one open file
// path: a mutex serializing writers, and a live-transaction registry used by
// DescribeOpenTransactions for diagnosing stuck writers.
type dataFileShared struct {
	path string

	mu       sync.Mutex
	refCount int

	writeMu sync.Mutex // held for the duration of a writable Transaction

	txnsMu sync.Mutex
	txns   []*Transaction
}

// acquireShared returns the dataFileShared for path, creating it on first
// use and bumping its refcount. Call release when the DataFile using it is
// closed.
func acquireShared(path string) *dataFileShared {
	sharedRegistryMu.Lock()
	defer sharedRegistryMu.Unlock()

	s := sharedRegistry[path]
	if s == nil {
		s = &dataFileShared{path: path}
		sharedRegistry[path] = s
	}
	s.mu.Lock()
	s.refCount++
	s.mu.Unlock()
	return s
}

func (s *dataFileShared) release() {
	sharedRegistryMu.Lock()
	defer sharedRegistryMu.Unlock()

	s.mu.Lock()
	s.refCount--
	dead := s.refCount == 0
	s.mu.Unlock()

	if dead {
		delete(sharedRegistry, s.path)
	}
}

func (s *dataFileShared) addTxn(tx *Transaction) {
	s.txnsMu.Lock()
	defer s.txnsMu.Unlock()
	s.txns = append(s.txns, tx)
}

func (s *dataFileShared) removeTxn(tx *Transaction) {
	s.txnsMu.Lock()
	defer s.txnsMu.Unlock()
	for i, t := range s.txns {
		if t == tx {
			n := len(s.txns)
			s.txns[i] = s.txns[n-1]
			s.txns[n-1] = nil
			s.txns = s.txns[:n-1]
			return
		}
	}
}

// openTransactionCount returns the number of writable Transactions currently
// open against this file across all DataFile handles. ReadOnlyTransactions
// are not registered here and are not counted.
func (s *dataFileShared) openTransactionCount() int {
	s.txnsMu.Lock()
	defer s.txnsMu.Unlock()
	return len(s.txns)
}
