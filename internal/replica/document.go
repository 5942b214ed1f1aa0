package replica

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// item is one inserted code point, linked in document order.
type item struct {
	id        ItemID
	lamport   uint64
	hasOrigin bool
	origin    ItemID
	value     rune
	deleted   bool
	next      *item
}

// orderedAfter reports whether the item sorts ahead of other among siblings sharing an origin.
func (it *item) orderedAfter(other *item) bool {
	if it.lamport != other.lamport {
		return it.lamport > other.lamport
	}
	return it.id.Client > other.id.Client
}

func (it *item) wire() wireItem {
	return wireItem{
		id:        it.id,
		lamport:   it.lamport,
		hasOrigin: it.hasOrigin,
		origin:    it.origin,
		value:     it.value,
		deleted:   it.deleted,
	}
}

// Option customizes a Document.
type Option func(*Document)

// WithLogger routes dropped-input diagnostics to the provided logger.
func WithLogger(logger *zap.Logger) Option {
	return func(document *Document) {
		if logger != nil {
			document.logger = logger
		}
	}
}

// Document is a thread-safe replica of one contract document.
type Document struct {
	mu             sync.Mutex
	clientID       string
	clock          uint64
	head           item
	size           int
	byID           map[ItemID]*item
	vector         StateVector
	pendingItems   map[ItemID]wireItem
	pendingDeletes map[ItemID]struct{}
	logger         *zap.Logger
}

var longClientIDNamespace = uuid.MustParse("6f1d2c3e-8a4b-4c9d-9e2f-7a5b3c1d0e84")

// NewDocument returns an empty replica owned by clientID. An empty clientID is replaced with a UUID.
// A clientID longer than MaxClientIDLength is replaced with a name-based UUID derived from it, so the
// same long id always maps to the same replica identity.
func NewDocument(clientID string, options ...Option) *Document {
	clientID = normalizeClientID(clientID)
	document := &Document{
		clientID:       clientID,
		byID:           make(map[ItemID]*item),
		vector:         make(StateVector),
		pendingItems:   make(map[ItemID]wireItem),
		pendingDeletes: make(map[ItemID]struct{}),
		logger:         zap.NewNop(),
	}
	for _, option := range options {
		option(document)
	}
	return document
}

func normalizeClientID(clientID string) string {
	clientID = strings.TrimSpace(clientID)
	switch {
	case clientID == "":
		return uuid.NewString()
	case len(clientID) > MaxClientIDLength:
		return uuid.NewSHA1(longClientIDNamespace, []byte(clientID)).String()
	default:
		return clientID
	}
}

// Deserialize restores a replica from Serialize output.
func Deserialize(blob []byte, clientID string, options ...Option) (*Document, error) {
	update, err := decodeUpdate(blob)
	if err != nil {
		return nil, err
	}
	document := NewDocument(clientID, options...)
	document.mu.Lock()
	defer document.mu.Unlock()
	document.merge(update)
	return document, nil
}

// TextFromState decodes a serialized replica and returns its visible text.
func TextFromState(blob []byte) (string, error) {
	document, err := Deserialize(blob, "")
	if err != nil {
		return "", err
	}
	return document.Text(), nil
}

// ClientID returns the identifier stamped on local edits.
func (d *Document) ClientID() string {
	return d.clientID
}

// ApplyLocalEdit mutates the replica and returns the fragment to broadcast, or nil for a no-op.
func (d *Document) ApplyLocalEdit(edit Edit) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch edit.Kind {
	case EditInsert:
		return d.localInsert(edit.Index, edit.Text)
	case EditDelete:
		return d.localDelete(edit.Index, edit.Length)
	default:
		d.logger.Warn("replica ignored unknown edit kind", zap.String("kind", string(edit.Kind)))
		return nil
	}
}

func (d *Document) localInsert(index int, text string) []byte {
	if text == "" {
		return nil
	}
	origin := d.anchorFor(index)

	created := make([]wireItem, 0, len(text))
	for _, value := range text {
		d.clock++
		next := &item{
			id:      ItemID{Client: d.clientID, Seq: d.vector[d.clientID] + 1},
			lamport: d.clock,
			value:   value,
		}
		if origin != &d.head {
			next.hasOrigin = true
			next.origin = origin.id
		}
		d.integrate(next)
		created = append(created, next.wire())
		origin = next
	}
	return encodeUpdate(wireUpdate{items: created})
}

// anchorFor returns the item a local insert at the visible index attaches to: the visible item
// just before index, the last item when index is past the end, or the head sentinel.
func (d *Document) anchorFor(index int) *item {
	if index <= 0 {
		return &d.head
	}
	anchor := &d.head
	visible := 0
	for current := d.head.next; current != nil; current = current.next {
		anchor = current
		if current.deleted {
			continue
		}
		visible++
		if visible == index {
			return current
		}
	}
	return anchor
}

func (d *Document) localDelete(index, length int) []byte {
	if length <= 0 || index < 0 {
		return nil
	}
	deleted := make([]ItemID, 0, length)
	visible := 0
	for current := d.head.next; current != nil && visible < index+length; current = current.next {
		if current.deleted {
			continue
		}
		if visible >= index {
			current.deleted = true
			deleted = append(deleted, current.id)
		}
		visible++
	}
	if len(deleted) == 0 {
		return nil
	}
	return encodeUpdate(wireUpdate{deletes: deleted})
}

// ApplyRemoteUpdate merges a fragment from a peer. Malformed input is logged and dropped.
func (d *Document) ApplyRemoteUpdate(fragment []byte) ApplyResult {
	update, err := decodeUpdate(fragment)
	if err != nil {
		d.logger.Warn("replica dropped malformed update",
			zap.String("client_id", d.clientID),
			zap.Int("bytes", len(fragment)),
			zap.Error(err))
		return ApplyResult{Malformed: true}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.merge(update)
}

func (d *Document) merge(update wireUpdate) ApplyResult {
	var result ApplyResult

	incoming := append([]wireItem(nil), update.items...)
	sort.Slice(incoming, func(left, right int) bool {
		if incoming[left].lamport != incoming[right].lamport {
			return incoming[left].lamport < incoming[right].lamport
		}
		return incoming[left].id.Client < incoming[right].id.Client
	})

	for _, candidate := range incoming {
		if d.known(candidate.id) {
			result.Duplicates++
			if candidate.deleted && d.markDeleted(candidate.id) {
				result.Deleted++
			}
			continue
		}
		if parked, ok := d.pendingItems[candidate.id]; ok {
			if candidate.deleted && !parked.deleted {
				parked.deleted = true
				d.pendingItems[candidate.id] = parked
			}
			result.Duplicates++
			continue
		}
		if !d.ready(candidate) {
			if _, ok := d.pendingDeletes[candidate.id]; ok {
				candidate.deleted = true
				delete(d.pendingDeletes, candidate.id)
			}
			d.pendingItems[candidate.id] = candidate
			continue
		}
		if d.integrateWire(candidate) {
			result.Integrated++
		}
	}

	result.Integrated += d.drainPending()

	for _, target := range update.deletes {
		if !d.known(target) {
			if parked, ok := d.pendingItems[target]; ok {
				parked.deleted = true
				d.pendingItems[target] = parked
				continue
			}
			d.pendingDeletes[target] = struct{}{}
			continue
		}
		if d.markDeleted(target) {
			result.Deleted++
		}
	}

	result.Pending = len(d.pendingItems) + len(d.pendingDeletes)
	return result
}

func (d *Document) known(id ItemID) bool {
	return id.Seq <= d.vector[id.Client]
}

// ready reports whether the causal dependencies of an item are integrated.
func (d *Document) ready(candidate wireItem) bool {
	if candidate.id.Seq != d.vector[candidate.id.Client]+1 {
		return false
	}
	if candidate.hasOrigin {
		_, ok := d.byID[candidate.origin]
		return ok
	}
	return true
}

func (d *Document) drainPending() int {
	integrated := 0
	for progress := true; progress && len(d.pendingItems) > 0; {
		progress = false
		ready := make([]wireItem, 0)
		for _, candidate := range d.pendingItems {
			if d.ready(candidate) {
				ready = append(ready, candidate)
			}
		}
		sort.Slice(ready, func(left, right int) bool {
			return ready[left].lamport < ready[right].lamport
		})
		for _, candidate := range ready {
			if !d.ready(candidate) {
				continue
			}
			delete(d.pendingItems, candidate.id)
			progress = true
			if d.integrateWire(candidate) {
				integrated++
			}
		}
	}
	return integrated
}

// integrateWire inserts a ready remote item. Items whose Lamport timestamp does not exceed their
// origin's break the ordering rule and are dropped.
func (d *Document) integrateWire(candidate wireItem) bool {
	if candidate.hasOrigin {
		if origin := d.byID[candidate.origin]; origin.lamport >= candidate.lamport {
			d.logger.Warn("replica dropped item with non-increasing lamport timestamp",
				zap.String("item", candidate.id.String()),
				zap.String("origin", candidate.origin.String()))
			return false
		}
	}
	next := &item{
		id:        candidate.id,
		lamport:   candidate.lamport,
		hasOrigin: candidate.hasOrigin,
		origin:    candidate.origin,
		value:     candidate.value,
		deleted:   candidate.deleted,
	}
	if _, ok := d.pendingDeletes[next.id]; ok {
		next.deleted = true
		delete(d.pendingDeletes, next.id)
	}
	if next.lamport > d.clock {
		d.clock = next.lamport
	}
	d.integrate(next)
	return true
}

// integrate links an item after its origin, skipping concurrent siblings that sort ahead of it
// together with their descendants, which always carry larger Lamport timestamps.
func (d *Document) integrate(next *item) {
	left := &d.head
	if next.hasOrigin {
		left = d.byID[next.origin]
	}
	for left.next != nil && left.next.orderedAfter(next) {
		left = left.next
	}
	next.next = left.next
	left.next = next
	d.byID[next.id] = next
	d.vector[next.id.Client] = next.id.Seq
	d.size++
}

func (d *Document) markDeleted(id ItemID) bool {
	target, ok := d.byID[id]
	if !ok || target.deleted {
		return false
	}
	target.deleted = true
	return true
}

// Serialize returns the full replica state. Replicas holding the same updates produce identical bytes.
func (d *Document) Serialize() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	items := make([]wireItem, 0, d.size+len(d.pendingItems))
	for current := d.head.next; current != nil; current = current.next {
		items = append(items, current.wire())
	}
	items = append(items, sortedPendingItems(d.pendingItems)...)
	return encodeUpdate(wireUpdate{items: items, deletes: sortedIDs(d.pendingDeletes)})
}

// StateVector returns a copy of the integrated state vector.
func (d *Document) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()

	vector := make(StateVector, len(d.vector))
	for client, seq := range d.vector {
		vector[client] = seq
	}
	return vector
}

// DiffSince encodes everything a peer holding vector is missing, including all known deletions.
// It returns nil when there is nothing to send.
func (d *Document) DiffSince(vector StateVector) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	items := make([]wireItem, 0)
	deletes := make([]ItemID, 0)
	for current := d.head.next; current != nil; current = current.next {
		if current.id.Seq > vector[current.id.Client] {
			items = append(items, current.wire())
			continue
		}
		if current.deleted {
			deletes = append(deletes, current.id)
		}
	}
	items = append(items, sortedPendingItems(d.pendingItems)...)
	deletes = append(deletes, sortedIDs(d.pendingDeletes)...)
	update := wireUpdate{items: items, deletes: deletes}
	if update.empty() {
		return nil
	}
	return encodeUpdate(update)
}

// Text returns the visible document content.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var builder strings.Builder
	for current := d.head.next; current != nil; current = current.next {
		if !current.deleted {
			builder.WriteRune(current.value)
		}
	}
	return builder.String()
}

// Len returns the number of visible code points.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	length := 0
	for current := d.head.next; current != nil; current = current.next {
		if !current.deleted {
			length++
		}
	}
	return length
}

func sortedPendingItems(pending map[ItemID]wireItem) []wireItem {
	items := make([]wireItem, 0, len(pending))
	for _, candidate := range pending {
		items = append(items, candidate)
	}
	sort.Slice(items, func(left, right int) bool {
		return lessID(items[left].id, items[right].id)
	})
	return items
}

func sortedIDs(set map[ItemID]struct{}) []ItemID {
	ids := make([]ItemID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(left, right int) bool {
		return lessID(ids[left], ids[right])
	})
	return ids
}

func lessID(left, right ItemID) bool {
	if left.Client != right.Client {
		return left.Client < right.Client
	}
	return left.Seq < right.Seq
}
