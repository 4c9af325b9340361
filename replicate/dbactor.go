package replicate

import "github.com/corvid-db/corvid"

// DBActor serializes all corvid.DataFile access on behalf of a Puller onto
// one goroutine, keeping database transactions off the connection's
// reading goroutine. Grounded on spec's DBActor concept and the
// dbActor->findOrRequestRevs / dbActor->insertRevision calls in Puller.cc.
type DBActor struct {
	df    *corvid.DataFile
	docs  *corvid.DocumentStore
	tasks chan func()
}

// NewDBActor starts an actor operating on docs (backed by df).
func NewDBActor(df *corvid.DataFile, docs *corvid.DocumentStore) *DBActor {
	a := &DBActor{df: df, docs: docs, tasks: make(chan func(), 64)}
	go a.run()
	return a
}

func (a *DBActor) run() {
	for f := range a.tasks {
		f()
	}
}

// Close stops the actor's goroutine. No further calls may be made.
func (a *DBActor) Close() { close(a.tasks) }

// FindMissingRevs reports, for each entry in changes, whether the local
// DocumentStore already has that exact revision ID, and if not,
// which ancestor revisions it already holds for that document — usable by
// the peer as delta-compression bases. The counterpart of LiteCore's
// dbActor->findOrRequestRevs.
func (a *DBActor) FindMissingRevs(changes []ChangeItem) ([]ChangeResponse, error) {
	type result struct {
		responses []ChangeResponse
		err       error
	}
	resCh := make(chan result, 1)
	a.tasks <- func() {
		responses := make([]ChangeResponse, len(changes))
		err := a.df.View(func(tx *corvid.ReadOnlyTransaction) error {
			for i, ch := range changes {
				doc, err := a.docs.Get(tx, ch.DocID)
				if err != nil {
					return err
				}
				if doc != nil && docHasRev(doc, ch.RevID) {
					responses[i] = ChangeResponse{Wanted: false}
					continue
				}
				var ancestors []string
				if doc != nil {
					for _, id := range doc.Tree.RevIDs() {
						ancestors = append(ancestors, string(id))
					}
				}
				responses[i] = ChangeResponse{Wanted: true, Ancestors: ancestors}
			}
			return nil
		})
		resCh <- result{responses, err}
	}
	r := <-resCh
	return r.responses, r.err
}

// InsertRevision applies one received revision and reports the outcome
// via onInserted, mirroring Puller::handleRev's onInserted callback that
// drives markComplete.
func (a *DBActor) InsertRevision(docID string, history []corvid.RevID, body []byte, deleted bool, onInserted func(error)) {
	a.tasks <- func() {
		err := a.df.Update(func(tx *corvid.Transaction) error {
			_, _, err := a.docs.Put(tx, corvid.PutRequest{
				DocID:        docID,
				History:      history,
				Body:         body,
				BodyEncoding: corvid.BodyJSON,
				Deleted:      deleted,
			})
			return err
		})
		onInserted(err)
	}
}

func docHasRev(doc *corvid.Document, revID string) bool {
	return doc.Tree.Find(corvid.RevID(revID)) != nil
}
