package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/corvid-db/corvid"
)

// ActivityLevel mirrors LiteCore's Replicator::Activity enum as computed by
// Puller::computeActivityLevel.
type ActivityLevel int

const (
	Stopped ActivityLevel = iota
	Idle
	Busy
)

func (a ActivityLevel) String() string {
	switch a {
	case Busy:
		return "busy"
	case Idle:
		return "idle"
	default:
		return "stopped"
	}
}

// Options configures a [Puller].
type Options struct {
	// Continuous keeps the subscription open after catching up, rather than
	// stopping once the peer's change feed goes empty.
	Continuous bool
	// Passive marks this Puller as serving a passive (peer-opened)
	// subscription rather than one it initiated itself: spec §4.7 treats a
	// passive puller as "open" the same way a Continuous one is, so it
	// settles at Idle once caught up instead of Stopped.
	Passive bool
	// CheckpointID names this puller's checkpoint record.
	CheckpointID string
	Logger       *slog.Logger
}

// Puller drives one pull-replication session against a peer [Connection],
// inserting received revisions into a corvid.DocumentStore through a
// [DBActor]. Grounded line-for-line on LiteCore's Replicator/Puller.cc:
// constructor registers "changes"/"rev" handlers, start() sends subChanges,
// handleChanges/handleRev/markComplete/computeActivityLevel follow the same
// shape as the original.
type Puller struct {
	conn        Connection
	dbActor     *DBActor
	checkpoints CheckpointStore
	opts        Options
	logger      *slog.Logger

	mu               sync.Mutex
	caughtUp         bool
	lastSequence     uint64
	requested        *requestedSequences
	pendingCallbacks atomic.Int32
	activity         ActivityLevel

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPuller constructs a Puller. Call Start to begin the session.
func NewPuller(conn Connection, dbActor *DBActor, checkpoints CheckpointStore, opts Options) *Puller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Puller{
		conn:        conn,
		dbActor:     dbActor,
		checkpoints: checkpoints,
		opts:        opts,
		logger:      logger,
		requested:   newRequestedSequences(),
		activity:    Stopped,
		stopCh:      make(chan struct{}),
	}
}

// Start loads the puller's checkpoint, sends subChanges, and processes
// messages from conn until ctx is canceled or the connection errors.
// Grounded on Puller::_start in Puller.cc.
func (p *Puller) Start(ctx context.Context) error {
	since, err := p.checkpoints.LoadCheckpoint(p.opts.CheckpointID)
	if err != nil {
		return fmt.Errorf("replicate: loading checkpoint %q: %w", p.opts.CheckpointID, err)
	}
	p.mu.Lock()
	p.lastSequence = since
	p.setActivityLocked()
	p.mu.Unlock()

	sub, err := encode(TypeSubChanges, true, SubChangesRequest{Since: since, Continuous: p.opts.Continuous})
	if err != nil {
		return err
	}
	if err := p.conn.Send(ctx, sub); err != nil {
		return fmt.Errorf("replicate: sending subChanges: %w", err)
	}

	// Receiving runs on its own goroutine so a Stopped transition reached
	// asynchronously (an insert callback completing after the peer already
	// signaled catch-up) can end Start even while it would otherwise be
	// blocked waiting on the next inbound message.
	msgCh := make(chan Message)
	recvErrCh := make(chan error, 1)
	go func() {
		for {
			msg, err := p.conn.Receive(ctx)
			if err != nil {
				recvErrCh <- err
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case err := <-recvErrCh:
			return err
		case msg := <-msgCh:
			switch msg.Type {
			case TypeChanges:
				if err := p.handleChanges(ctx, msg); err != nil {
					p.logger.Error("handling changes message", "error", err)
				}
			case TypeRev:
				if err := p.handleRev(ctx, msg); err != nil {
					p.logger.Error("handling rev message", "error", err)
				}
			default:
				p.logger.Warn("unexpected message type", "type", msg.Type)
			}
			if p.ActivityLevel() == Stopped {
				return nil
			}
		}
	}
}

// handleChanges implements Puller::handleChanges: an empty change list
// means the peer has caught the puller up, and (per spec §4.7) still gets
// an empty success reply if one is expected; a non-empty list that doesn't
// expect a reply can't be turned into revision requests, so it's logged and
// discarded; otherwise the missing revisions are marked requested and a
// reply is sent naming which ones to push as "rev" messages.
func (p *Puller) handleChanges(ctx context.Context, msg Message) error {
	var changes ChangesMessage
	if err := json.Unmarshal(msg.Payload, &changes); err != nil {
		return fmt.Errorf("decoding changes message: %w", err)
	}

	if len(changes.Changes) == 0 {
		p.mu.Lock()
		p.caughtUp = true
		p.setActivityLocked()
		p.mu.Unlock()
		if msg.NoReply {
			return nil
		}
		reply, err := encode(TypeReply, true, ChangesReply{})
		if err != nil {
			return err
		}
		return p.conn.Send(ctx, reply)
	}

	if msg.NoReply {
		p.logger.Warn("received non-empty changes message with noReply set; cannot request revisions", "count", len(changes.Changes))
		return nil
	}

	responses, err := p.dbActor.FindMissingRevs(changes.Changes)
	if err != nil {
		return fmt.Errorf("checking for missing revisions: %w", err)
	}

	p.mu.Lock()
	for i, r := range responses {
		if r.Wanted {
			p.requested.add(changes.Changes[i].Sequence)
		}
	}
	p.setActivityLocked()
	p.mu.Unlock()

	reply, err := encode(TypeReply, true, ChangesReply{Responses: responses})
	if err != nil {
		return err
	}
	return p.conn.Send(ctx, reply)
}

// sendError replies to msg with an [ErrorReply], mirroring Puller.cc's
// respondWithError. Errors sending the reply are logged rather than
// propagated: the triggering failure is the one worth reporting up.
func (p *Puller) sendError(ctx context.Context, domain string, code int, message string) {
	reply, err := encode(TypeError, true, ErrorReply{Domain: domain, Code: code, Message: message})
	if err != nil {
		p.logger.Error("encoding error reply", "error", err)
		return
	}
	if err := p.conn.Send(ctx, reply); err != nil {
		p.logger.Error("sending error reply", "error", err)
	}
}

// handleRev implements Puller::handleRev: validates the message, then hands
// it to the DBActor with a completion callback that advances the
// checkpoint via markComplete.
func (p *Puller) handleRev(ctx context.Context, msg Message) error {
	var rev RevMessage
	if err := json.Unmarshal(msg.Payload, &rev); err != nil {
		return fmt.Errorf("decoding rev message: %w", err)
	}
	if err := ValidateRevMessage(&rev); err != nil {
		if !msg.NoReply {
			p.sendError(ctx, "BLIP", 400, err.Error())
		}
		return err
	}
	if rev.Sequence == 0 && !p.opts.Passive {
		err := fmt.Errorf("replicate: rev message for %q missing sequence in active mode", rev.DocID)
		if !msg.NoReply {
			p.sendError(ctx, "BLIP", 400, err.Error())
		}
		return err
	}

	history := make([]corvid.RevID, 0, len(rev.History)+1)
	history = append(history, corvid.RevID(rev.RevID))
	for _, h := range rev.History {
		history = append(history, corvid.RevID(h))
	}

	p.pendingCallbacks.Add(1)
	p.mu.Lock()
	p.setActivityLocked()
	p.mu.Unlock()

	p.dbActor.InsertRevision(rev.DocID, history, []byte(rev.Body), rev.Deleted, func(err error) {
		p.pendingCallbacks.Add(-1)
		if err != nil {
			p.logger.Error("inserting revision", "doc", rev.DocID, "rev", rev.RevID, "error", err)
			if !msg.NoReply {
				p.sendError(ctx, "LiteCore", 1, err.Error())
			}
		}
		p.markComplete(rev.Sequence)
	})
	return nil
}

// markComplete implements Puller::markComplete: removes seq from the
// outstanding set, advances lastSequence to the new completed prefix, and
// persists the checkpoint.
func (p *Puller) markComplete(seq uint64) {
	if seq == 0 {
		return
	}
	p.requested.remove(seq)

	p.mu.Lock()
	p.lastSequence = p.requested.since()
	last := p.lastSequence
	p.setActivityLocked()
	p.mu.Unlock()

	if err := p.checkpoints.SaveCheckpoint(p.opts.CheckpointID, last); err != nil {
		p.logger.Error("saving checkpoint", "error", err)
	}
}

// setActivityLocked recomputes p.activity; caller must hold p.mu. Grounded
// on Puller::computeActivityLevel and spec §4.7's activity rule: busy
// whenever a revision request is outstanding or an insert callback is
// pending, or the puller hasn't caught up yet and isn't passive (a passive
// subscription has no "caught up" milestone of its own — it just waits for
// its peer, so non-caught-up alone shouldn't make it busy); otherwise idle
// for a subscription that stays open (continuous, or passive), stopped for
// a one-shot active pull that has nothing left to do.
func (p *Puller) setActivityLocked() {
	busy := (!p.caughtUp && !p.opts.Passive) || !p.requested.empty() || p.pendingCallbacks.Load() > 0
	switch {
	case busy:
		p.activity = Busy
	case p.opts.Continuous || p.opts.Passive:
		p.activity = Idle
	default:
		p.activity = Stopped
		p.stopOnce.Do(func() { close(p.stopCh) })
	}
}

// ActivityLevel reports the puller's current [ActivityLevel].
func (p *Puller) ActivityLevel() ActivityLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activity
}

// LastSequence returns the highest checkpointed sequence.
func (p *Puller) LastSequence() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSequence
}
