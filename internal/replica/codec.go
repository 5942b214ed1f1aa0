package replica

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrMalformedUpdate indicates that an update fragment could not be decoded.
	ErrMalformedUpdate = errors.New("replica: malformed update")
	// ErrMalformedStateVector indicates that a state vector could not be decoded.
	ErrMalformedStateVector = errors.New("replica: malformed state vector")
)

var (
	updateMagic      = []byte("PRU1")
	stateVectorMagic = []byte("PSV1")
)

// MaxClientIDLength is the longest client id, in bytes, that survives encoding.
const MaxClientIDLength = 190

const (
	flagHasOrigin = 1 << 0
	flagDeleted   = 1 << 1
)

// wireItem is the encoded form of a single inserted code point.
type wireItem struct {
	id        ItemID
	lamport   uint64
	hasOrigin bool
	origin    ItemID
	value     rune
	deleted   bool
}

type wireUpdate struct {
	items   []wireItem
	deletes []ItemID
}

func (update wireUpdate) empty() bool {
	return len(update.items) == 0 && len(update.deletes) == 0
}

type encoder struct {
	buffer []byte
}

func (e *encoder) uvarint(value uint64) {
	e.buffer = binary.AppendUvarint(e.buffer, value)
}

func (e *encoder) str(value string) {
	e.uvarint(uint64(len(value)))
	e.buffer = append(e.buffer, value...)
}

func (e *encoder) id(value ItemID) {
	e.str(value.Client)
	e.uvarint(value.Seq)
}

func encodeUpdate(update wireUpdate) []byte {
	e := &encoder{buffer: make([]byte, 0, 16+len(update.items)*12+len(update.deletes)*8)}
	e.buffer = append(e.buffer, updateMagic...)
	e.uvarint(uint64(len(update.items)))
	for _, item := range update.items {
		e.id(item.id)
		e.uvarint(item.lamport)
		var flags uint64
		if item.hasOrigin {
			flags |= flagHasOrigin
		}
		if item.deleted {
			flags |= flagDeleted
		}
		e.uvarint(flags)
		if item.hasOrigin {
			e.id(item.origin)
		}
		e.uvarint(uint64(item.value))
	}
	e.uvarint(uint64(len(update.deletes)))
	for _, deleted := range update.deletes {
		e.id(deleted)
	}
	return e.buffer
}

type decoder struct {
	buffer []byte
	offset int
	cause  error
}

func (d *decoder) fail(format string, args ...any) {
	if d.cause == nil {
		d.cause = fmt.Errorf(format, args...)
	}
}

func (d *decoder) remaining() int {
	return len(d.buffer) - d.offset
}

func (d *decoder) uvarint() uint64 {
	if d.cause != nil {
		return 0
	}
	value, size := binary.Uvarint(d.buffer[d.offset:])
	if size <= 0 {
		d.fail("invalid varint at offset %d", d.offset)
		return 0
	}
	d.offset += size
	return value
}

func (d *decoder) str() string {
	length := d.uvarint()
	if d.cause != nil {
		return ""
	}
	if length > MaxClientIDLength || int(length) > d.remaining() {
		d.fail("invalid string length %d at offset %d", length, d.offset)
		return ""
	}
	value := string(d.buffer[d.offset : d.offset+int(length)])
	d.offset += int(length)
	return value
}

func (d *decoder) id() ItemID {
	client := d.str()
	seq := d.uvarint()
	if d.cause == nil && (client == "" || seq == 0) {
		d.fail("invalid item id %q:%d", client, seq)
	}
	return ItemID{Client: client, Seq: seq}
}

// count reads a collection length and rejects values that cannot fit in the remaining bytes.
func (d *decoder) count(minimumEntrySize int) int {
	value := d.uvarint()
	if d.cause != nil {
		return 0
	}
	if value > uint64(d.remaining()/minimumEntrySize) {
		d.fail("collection length %d exceeds payload", value)
		return 0
	}
	return int(value)
}

func (d *decoder) expectMagic(magic []byte) {
	if len(d.buffer) < len(magic) || string(d.buffer[:len(magic)]) != string(magic) {
		d.fail("missing magic header")
		return
	}
	d.offset = len(magic)
}

func decodeUpdate(payload []byte) (wireUpdate, error) {
	d := &decoder{buffer: payload}
	d.expectMagic(updateMagic)

	itemCount := d.count(5)
	update := wireUpdate{items: make([]wireItem, 0, itemCount)}
	for index := 0; index < itemCount && d.cause == nil; index++ {
		item := wireItem{id: d.id(), lamport: d.uvarint()}
		flags := d.uvarint()
		if flags&^(flagHasOrigin|flagDeleted) != 0 {
			d.fail("unknown item flags %d", flags)
		}
		item.hasOrigin = flags&flagHasOrigin != 0
		item.deleted = flags&flagDeleted != 0
		if item.hasOrigin {
			item.origin = d.id()
		}
		value := d.uvarint()
		if value > 0x10FFFF {
			d.fail("invalid code point %d", value)
		}
		item.value = rune(value)
		if d.cause == nil && item.lamport == 0 {
			d.fail("item %s has zero lamport timestamp", item.id)
		}
		update.items = append(update.items, item)
	}

	deleteCount := d.count(3)
	update.deletes = make([]ItemID, 0, deleteCount)
	for index := 0; index < deleteCount && d.cause == nil; index++ {
		update.deletes = append(update.deletes, d.id())
	}

	if d.cause == nil && d.remaining() != 0 {
		d.fail("%d trailing bytes", d.remaining())
	}
	if d.cause != nil {
		return wireUpdate{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, d.cause)
	}
	return update, nil
}

// EncodeStateVector serializes a state vector in client order.
func EncodeStateVector(vector StateVector) []byte {
	clients := make([]string, 0, len(vector))
	for client := range vector {
		clients = append(clients, client)
	}
	sort.Strings(clients)

	e := &encoder{}
	e.buffer = append(e.buffer, stateVectorMagic...)
	e.uvarint(uint64(len(clients)))
	for _, client := range clients {
		e.str(client)
		e.uvarint(vector[client])
	}
	return e.buffer
}

// DecodeStateVector parses a state vector produced by EncodeStateVector.
func DecodeStateVector(payload []byte) (StateVector, error) {
	d := &decoder{buffer: payload}
	d.expectMagic(stateVectorMagic)
	count := d.count(2)
	vector := make(StateVector, count)
	for index := 0; index < count && d.cause == nil; index++ {
		client := d.str()
		seq := d.uvarint()
		if d.cause == nil && client == "" {
			d.fail("empty client id")
		}
		vector[client] = seq
	}
	if d.cause == nil && d.remaining() != 0 {
		d.fail("%d trailing bytes", d.remaining())
	}
	if d.cause != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStateVector, d.cause)
	}
	return vector, nil
}
