/*
Package corvid implements an embeddable document database with
multi-master replication support.

A document is identified by a document ID and carries a revision tree: an
append-only, branchable history of revisions. Each revision is labeled by
a revision ID (a generation-prefixed digest), may hold a body, and points
to a parent revision, forming a forest of DAGs.

Documents live inside named [KeyStore]s in a single [DataFile]; readers
and writers coordinate through [Transaction] and [ReadOnlyTransaction].
A [DocumentStore] glues the revision-tree model onto KeyStore records.

The sibling package corvid/replicate drives pull replication against a
peer connection, layered on top of DocumentStore.

# On-disk format

A revision tree is packed into a single blob (see [RawRevTree]) and
stored as the body of the document's KeyStore record; the record's
version holds the current revision ID. This is the exact byte layout
external tools must preserve for compatibility.

# Concurrency

Storage backends are pluggable behind the unexported storage/storageTx/
storageBucket/storageCursor interfaces; only bbolt (on disk) and an
in-memory backend (for tests) are wired in. A single process-wide shared
state per file path owns the file-level write lock, so only one
[Transaction] can be open on a file at a time, while any number of
[ReadOnlyTransaction]s may run concurrently with it.
*/
package corvid
