package replicate

import (
	"encoding/binary"
	"sync"

	"github.com/corvid-db/corvid"
)

// requestedSequences is a sparse ordered set of in-flight sequence numbers,
// grounded on LiteCore's PendingSequences (used by Puller::_requestedSequences)
// in Puller.cc. Once a sequence is removed, since() may advance to reflect
// that everything below the new minimum outstanding sequence is complete.
type requestedSequences struct {
	mu      sync.Mutex
	pending map[uint64]struct{}
	maxSeen uint64
}

func newRequestedSequences() *requestedSequences {
	return &requestedSequences{pending: make(map[uint64]struct{})}
}

func (s *requestedSequences) add(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[seq] = struct{}{}
	if seq > s.maxSeen {
		s.maxSeen = seq
	}
}

func (s *requestedSequences) remove(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, seq)
}

func (s *requestedSequences) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0
}

// since returns the greatest sequence N such that every sequence <= N is
// known complete: the maximum sequence seen if nothing is outstanding, or
// one less than the smallest outstanding sequence otherwise.
func (s *requestedSequences) since() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return s.maxSeen
	}
	min := s.maxSeen
	for seq := range s.pending {
		if seq < min {
			min = seq
		}
	}
	if min == 0 {
		return 0
	}
	return min - 1
}

// CheckpointStore persists a puller's last-completed sequence so a restart
// can resume with subChanges(since: lastSequence) instead of re-pulling
// the whole change history.
type CheckpointStore interface {
	SaveCheckpoint(id string, lastSequence uint64) error
	LoadCheckpoint(id string) (uint64, error)
}

// dataFileCheckpointStore keeps checkpoints in a KeyStore inside the same
// corvid.DataFile the replicated documents live in, so a checkpoint commits
// atomically with (or just after) the data it describes — no separate WAL
// file, unlike LiteCore's on-disk local-checkpoints table backed by its own
// journal. See DESIGN.md for why corvid dropped the teacher's journal
// package in favor of this.
type dataFileCheckpointStore struct {
	df *corvid.DataFile
	ks *corvid.KeyStore
}

// NewCheckpointStore returns a CheckpointStore backed by the KeyStore named
// "_checkpoints" inside df, keyed by checkpoint ID.
func NewCheckpointStore(df *corvid.DataFile) CheckpointStore {
	return &dataFileCheckpointStore{df: df, ks: df.KeyStore("_checkpoints")}
}

func (c *dataFileCheckpointStore) SaveCheckpoint(id string, lastSequence uint64) error {
	return c.df.Update(func(tx *corvid.Transaction) error {
		_, err := c.ks.Set(tx, []byte(id), encodeCheckpoint(lastSequence))
		return err
	})
}

func (c *dataFileCheckpointStore) LoadCheckpoint(id string) (uint64, error) {
	var seq uint64
	err := c.df.View(func(tx *corvid.ReadOnlyTransaction) error {
		rec, err := c.ks.Get(tx, []byte(id), false)
		if err != nil || rec == nil {
			return err
		}
		seq = decodeCheckpoint(rec.Body)
		return nil
	})
	return seq, err
}

func encodeCheckpoint(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, seq)
	return buf
}

func decodeCheckpoint(buf []byte) uint64 {
	if len(buf) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(buf)
}
