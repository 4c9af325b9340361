// Package replicate implements corvid's pull-replication client: a Puller
// actor that subscribes to a peer's change feed, requests the revisions it
// is missing, and inserts them into a local corvid.DocumentStore.
//
// Grounded on Couchbase Lite Core's Replicator/Puller.cc state machine,
// adapted onto corvid's DataFile/DocumentStore types and a JSON wire
// encoding instead of BLIP.
package replicate

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
)

// MessageType names the small set of message kinds this package's wire
// protocol uses, mirroring the "changes"/"rev"/"subChanges" profiles
// registered by LiteCore's Puller.
type MessageType string

const (
	TypeSubChanges MessageType = "subChanges"
	TypeChanges    MessageType = "changes"
	TypeRev        MessageType = "rev"
	TypeReply      MessageType = "reply"
	// TypeError is sent instead of TypeReply when a message can't be
	// satisfied, mirroring BLIP's error-frame convention (a Domain/Code
	// pair) that Puller.cc reports via respondWithError.
	TypeError MessageType = "error"
)

// Message is the envelope every [Connection] sends and receives. ID is an
// ULID (monotonic, sortable, collision-resistant across a session) instead
// of BLIP's incrementing integer message numbers, since a corvid replicator
// connection isn't guaranteed to be the only ULID producer sharing state
// with the peer.
type Message struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	NoReply bool            `json:"noReply,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// newMessageID returns a fresh ULID string for outgoing messages.
func newMessageID() string {
	return ulid.Make().String()
}

func encode(typ MessageType, noReply bool, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("replicate: encoding %s payload: %w", typ, err)
	}
	return Message{ID: newMessageID(), Type: typ, NoReply: noReply, Payload: raw}, nil
}

// SubChangesRequest starts (or resumes) a change feed subscription.
// Grounded on Puller::_subChanges in Puller.cc.
type SubChangesRequest struct {
	Since      uint64 `json:"since"`
	Continuous bool   `json:"continuous"`
}

// ChangeItem is one row of a [ChangesMessage]. It marshals as a positional
// JSON array (seq, docID, revID, deleted, bodySize), matching LiteCore's
// "changes" message grammar instead of a named object. When unmarshaling,
// the trailing deleted and bodySize elements may be omitted; they then
// default to false and 0.
type ChangeItem struct {
	Sequence uint64
	DocID    string
	RevID    string
	Deleted  bool
	// BodySize is the peer-reported size (bytes) of the revision's body,
	// advertised so the puller can make request/skip decisions (e.g. skip
	// huge bodies) before pulling it.
	BodySize int
}

func (c ChangeItem) MarshalJSON() ([]byte, error) {
	return json.Marshal([5]any{c.Sequence, c.DocID, c.RevID, c.Deleted, c.BodySize})
}

func (c *ChangeItem) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("replicate: change item is not an array: %w", err)
	}
	if len(raw) < 3 {
		return fmt.Errorf("replicate: change item array has %d elements, need at least 3", len(raw))
	}
	if err := json.Unmarshal(raw[0], &c.Sequence); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &c.DocID); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[2], &c.RevID); err != nil {
		return err
	}
	if len(raw) > 3 {
		if err := json.Unmarshal(raw[3], &c.Deleted); err != nil {
			return err
		}
	}
	if len(raw) > 4 {
		if err := json.Unmarshal(raw[4], &c.BodySize); err != nil {
			return err
		}
	}
	return nil
}

// ChangesMessage lists documents that changed since the subscription's
// since sequence. An empty Changes slice means the peer has caught the
// puller up to its current end.
type ChangesMessage struct {
	Changes []ChangeItem `json:"changes"`
}

// ChangeResponse is one entry of a [ChangesReply], indexed the same way as
// the [ChangesMessage] it answers. It marshals as the literal integer 0
// when the puller already has the revision, or as a (possibly empty) JSON
// array of ancestor revision IDs the puller already holds for that
// document when it wants the revision pushed — the asking peer can use
// those ancestors as delta-compression bases, mirroring LiteCore's
// "changes" reply grammar.
type ChangeResponse struct {
	Wanted    bool
	Ancestors []string
}

func (r ChangeResponse) MarshalJSON() ([]byte, error) {
	if !r.Wanted {
		return []byte("0"), nil
	}
	ancestors := r.Ancestors
	if ancestors == nil {
		ancestors = []string{}
	}
	return json.Marshal(ancestors)
}

func (r *ChangeResponse) UnmarshalJSON(data []byte) error {
	if string(data) == "0" {
		*r = ChangeResponse{}
		return nil
	}
	var ancestors []string
	if err := json.Unmarshal(data, &ancestors); err != nil {
		return fmt.Errorf("replicate: change response is neither 0 nor an array: %w", err)
	}
	r.Wanted = true
	r.Ancestors = ancestors
	return nil
}

// ChangesReply is what the puller sends back when a ChangesMessage isn't
// marked NoReply: for each offered change, whether it's wanted and (if so)
// which ancestor revisions the puller could use as delta bases.
type ChangesReply struct {
	Responses []ChangeResponse `json:"responses"`
}

// ErrorReply is sent instead of a [TypeReply] in response to a message that
// failed, giving the peer a domain/code pair to act on — e.g. retry,
// surface to the user, or stop the session. Grounded on Puller.cc's
// respondWithError("BLIP"_sl, 400) for malformed messages and
// respondWithError("LiteCore"_sl, err.code) for a failed local insert.
type ErrorReply struct {
	Domain  string `json:"domain"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// RevMessage carries one fully-formed revision from the peer. Grounded on
// Puller::handleRev in Puller.cc: id/rev are required; history lists
// ancestor revision IDs, most recent first, after RevID itself; sequence is
// required unless the connection is in passive/no-sequence mode.
type RevMessage struct {
	DocID    string          `json:"id" validate:"required"`
	RevID    string          `json:"rev" validate:"required"`
	Deleted  bool            `json:"deleted,omitempty"`
	History  []string        `json:"history,omitempty"`
	Sequence uint64          `json:"sequence"`
	Body     json.RawMessage `json:"body,omitempty"`
}

var messageValidator = validator.New()

// ValidateRevMessage checks a decoded RevMessage's required fields.
func ValidateRevMessage(msg *RevMessage) error {
	if err := messageValidator.Struct(msg); err != nil {
		return fmt.Errorf("replicate: invalid rev message: %w", err)
	}
	return nil
}
