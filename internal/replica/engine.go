// Package replica implements the convergent document replica used by collaborative contract editing.
//
// The document is a sequence CRDT over Unicode code points. Every inserted code point is an item
// identified by its creating client and a per-client contiguous sequence number; items are ordered
// by their origin (left neighbour at insert time) and a Lamport timestamp, and deletions leave
// tombstones. Merging is commutative, associative and idempotent, so replicas that received the
// same set of updates converge regardless of delivery order or duplication.
package replica

import "fmt"

// EditKind enumerates local edit operations.
type EditKind string

const (
	// EditInsert inserts Text before the visible position Index.
	EditInsert EditKind = "insert"
	// EditDelete removes Length visible code points starting at Index.
	EditDelete EditKind = "delete"
)

// Edit describes a local edit against the visible text.
type Edit struct {
	Kind   EditKind
	Index  int
	Text   string
	Length int
}

// Insert builds an insert edit.
func Insert(index int, text string) Edit {
	return Edit{Kind: EditInsert, Index: index, Text: text}
}

// Delete builds a delete edit.
func Delete(index, length int) Edit {
	return Edit{Kind: EditDelete, Index: index, Length: length}
}

// ItemID identifies one inserted code point.
type ItemID struct {
	Client string
	Seq    uint64
}

func (id ItemID) String() string {
	return fmt.Sprintf("%s:%d", id.Client, id.Seq)
}

// StateVector maps each client to the highest contiguous sequence number integrated from it.
type StateVector map[string]uint64

// ApplyResult summarizes how a remote update was absorbed.
type ApplyResult struct {
	Integrated int
	Duplicates int
	Deleted    int
	Pending    int
	Malformed  bool
}

// Changed reports whether the visible document may have changed.
func (result ApplyResult) Changed() bool {
	return result.Integrated > 0 || result.Deleted > 0
}

// Engine is the contract between the collaborative session and a replica implementation.
type Engine interface {
	ApplyLocalEdit(edit Edit) []byte
	ApplyRemoteUpdate(fragment []byte) ApplyResult
	Serialize() []byte
	StateVector() StateVector
	DiffSince(vector StateVector) []byte
	Text() string
}

var _ Engine = (*Document)(nil)
