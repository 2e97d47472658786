package nodepage

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
)

// node is the layout shared by leaf and internal pages. It borrows buf; the
// bytes remain owned by the caller (normally a buffer pool frame).
type node struct {
	buf  []byte
	opts options
}

func newNode(buf []byte, o options) (*node, error) {
	if err := o.format.Validate(); err != nil {
		return nil, err
	}
	if len(buf) != o.format.PageSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBufferTooSmall, len(buf), o.format.PageSize)
	}
	return &node{buf: buf, opts: o}, nil
}

func collectOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// --- Header ---

// Kind reports the node-kind tag of the page.
func (n *node) Kind() Kind { return Kind(n.buf[kindOffset]) }

// NumPairs is the number of offset-array entries, including an internal
// node's sentinel.
func (n *node) NumPairs() int {
	return int(binary.LittleEndian.Uint16(n.buf[numPairsOffset:]))
}

func (n *node) setNumPairs(count int) {
	binary.LittleEndian.PutUint16(n.buf[numPairsOffset:], uint16(count))
}

// FrontmostOffset is the lowest byte offset occupied by a record.
func (n *node) FrontmostOffset() int {
	return int(binary.LittleEndian.Uint16(n.buf[frontmostOffset:]))
}

func (n *node) setFrontmost(off int) {
	binary.LittleEndian.PutUint16(n.buf[frontmostOffset:], uint16(off))
}

// Format returns the geometry the page is read with.
func (n *node) Format() Format { return n.opts.format }

// Bytes exposes the underlying page buffer.
func (n *node) Bytes() []byte { return n.buf }

// UsedBytes is the size of the record area.
func (n *node) UsedBytes() int { return n.opts.format.PageSize - n.FrontmostOffset() }

// FreeSpace is the gap between the end of the offset array and the record area.
func (n *node) FreeSpace() int {
	return n.FrontmostOffset() - slotPos(n.NumPairs())
}

func (n *node) init(kind Kind) {
	clear(n.buf)
	n.buf[kindOffset] = byte(kind)
	n.setNumPairs(0)
	n.setFrontmost(n.opts.format.PageSize)
}

// fits reports whether extraSlots more offset slots and extraBytes more
// record bytes can be added without the offset array reaching the records.
func (n *node) fits(extraSlots, extraBytes int) bool {
	return slotPos(n.NumPairs()+extraSlots)+extraBytes <= n.FrontmostOffset()
}

func (n *node) checkKey(key []byte) error {
	if len(key) > n.opts.format.MaxKeySize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrKeyTooLarge, len(key), n.opts.format.MaxKeySize)
	}
	return nil
}

// --- Offset array ---

func slotPos(index int) int { return HeaderSize + index*SlotSize }

func (n *node) slot(index int) int {
	if index < 0 || index >= n.NumPairs() {
		panic(fmt.Errorf("%w: slot %d out of range [0, %d)", ErrCorruptPage, index, n.NumPairs()))
	}
	return int(binary.LittleEndian.Uint16(n.buf[slotPos(index):]))
}

func (n *node) setSlot(index, off int) {
	binary.LittleEndian.PutUint16(n.buf[slotPos(index):], uint16(off))
}

// insertOffsetSlot shifts slots [index, n_pairs) one position right and
// stores off at index.
func (n *node) insertOffsetSlot(off, index int) {
	count := n.NumPairs()
	if index < 0 || index > count {
		panic(fmt.Errorf("%w: slot insert index %d out of range [0, %d]", ErrCorruptPage, index, count))
	}
	end := slotPos(count)
	if end+SlotSize > n.FrontmostOffset() {
		panic(fmt.Errorf("%w: offset array would overlap records at %d", ErrCorruptPage, n.FrontmostOffset()))
	}
	start := slotPos(index)
	copy(n.buf[start+SlotSize:end+SlotSize], n.buf[start:end])
	binary.LittleEndian.PutUint16(n.buf[start:], uint16(off))
	n.setNumPairs(count + 1)
}

// deleteOffsetSlot shifts slots (index, n_pairs) one position left.
func (n *node) deleteOffsetSlot(index int) {
	count := n.NumPairs()
	if index < 0 || index >= count {
		panic(fmt.Errorf("%w: slot delete index %d out of range [0, %d)", ErrCorruptPage, index, count))
	}
	start := slotPos(index)
	end := slotPos(count)
	copy(n.buf[start:end-SlotSize], n.buf[start+SlotSize:end])
	clear(n.buf[end-SlotSize : end])
	n.setNumPairs(count - 1)
}

// --- Records ---

// recordLen validates the record at off against the live record area and
// returns its size. An offset outside [frontmost, PageSize) can only come
// from a corrupted page or misuse, so it panics.
func (n *node) recordLen(off int) int {
	pageSize := n.opts.format.PageSize
	if off < n.FrontmostOffset() || off+keyLenSize > pageSize {
		panic(fmt.Errorf("%w: record offset %d outside [%d, %d)", ErrCorruptPage, off, n.FrontmostOffset(), pageSize))
	}
	size := recordSize(int(binary.LittleEndian.Uint16(n.buf[off:])))
	if off+size > pageSize {
		panic(fmt.Errorf("%w: record at %d with size %d overruns page", ErrCorruptPage, off, size))
	}
	return size
}

// recordKey returns the key bytes of the record at off. The slice aliases the
// page and is only valid until the next mutation.
func (n *node) recordKey(off int) []byte {
	size := n.recordLen(off)
	start := off + keyLenSize
	end := off + size - PayloadSize
	return n.buf[start:end:end]
}

func (n *node) recordPayload(off int) uint64 {
	size := n.recordLen(off)
	return binary.LittleEndian.Uint64(n.buf[off+size-PayloadSize:])
}

func (n *node) setRecordPayload(off int, payload uint64) {
	size := n.recordLen(off)
	binary.LittleEndian.PutUint64(n.buf[off+size-PayloadSize:], payload)
}

// insertRecord appends a record just below frontmost and returns its offset.
// The caller has already verified the record fits.
func (n *node) insertRecord(key []byte, payload uint64) int {
	size := recordSize(len(key))
	off := n.FrontmostOffset() - size
	if off < slotPos(n.NumPairs()) {
		panic(fmt.Errorf("%w: record of %d bytes does not fit above offset array", ErrCorruptPage, size))
	}
	binary.LittleEndian.PutUint16(n.buf[off:], uint16(len(key)))
	copy(n.buf[off+keyLenSize:], key)
	binary.LittleEndian.PutUint64(n.buf[off+keyLenSize+len(key):], payload)
	n.setFrontmost(off)
	return off
}

// deleteRecord removes the record at off and closes the hole by moving every
// record below it up by its size. Slots that pointed below off are rebased.
// The slot pointing at off itself is left for the caller to delete.
func (n *node) deleteRecord(off int) {
	size := n.recordLen(off)
	front := n.FrontmostOffset()
	copy(n.buf[front+size:off+size], n.buf[front:off])
	clear(n.buf[front : front+size])
	n.setFrontmost(front + size)

	for i, count := 0, n.NumPairs(); i < count; i++ {
		if s := n.slot(i); s < off {
			n.setSlot(i, s+size)
		}
	}
}

// --- Search ---

// findOffsetIndex is a lower-bound search over the first limit slots: it
// returns the first index whose key is >= key, or limit if there is none.
func (n *node) findOffsetIndex(key []byte, limit int) int {
	return sort.Search(limit, func(i int) bool {
		return n.opts.compare(n.recordKey(n.slot(i)), key) >= 0
	})
}

func (n *node) keyEqualAt(index int, key []byte) bool {
	return n.opts.compare(n.recordKey(n.slot(index)), key) == 0
}

// KeyAt returns a copy of the key in slot index.
func (n *node) KeyAt(index int) []byte {
	return slices.Clone(n.recordKey(n.slot(index)))
}

// --- Split support ---

// splitBoundary walks the slots in key order and returns the index of the
// first slot that moves to the new node: the slot after the one at which the
// running record size first reaches half of the used bytes. The result is
// clamped so both halves keep at least one slot.
func (n *node) splitBoundary() int {
	count := n.NumPairs()
	used := n.UsedBytes()
	boundary := count - 1
	running := 0
	for i := 0; i < count; i++ {
		running += n.recordLen(n.slot(i))
		if 2*running >= used {
			boundary = i + 1
			break
		}
	}
	return min(max(boundary, 1), count-1)
}

type pair struct {
	key     []byte
	payload uint64
}

func (n *node) pairsFrom(from, to int) []pair {
	pairs := make([]pair, 0, to-from)
	for i := from; i < to; i++ {
		off := n.slot(i)
		pairs = append(pairs, pair{key: slices.Clone(n.recordKey(off)), payload: n.recordPayload(off)})
	}
	return pairs
}

// appendPairs adds already-sorted pairs after the existing slots.
func (n *node) appendPairs(pairs []pair) {
	for _, p := range pairs {
		off := n.insertRecord(p.key, p.payload)
		n.insertOffsetSlot(off, n.NumPairs())
	}
}

// moveUpperHalf copies slots [boundary, n_pairs) into dst, which must be
// empty, and truncates n to its first boundary slots.
func (n *node) moveUpperHalf(dst *node, boundary int) {
	dst.appendPairs(n.pairsFrom(boundary, n.NumPairs()))
	n.truncate(boundary)
}

// truncate keeps slots [0, keep) and rewrites the record area in a single
// compaction pass instead of deleting the dropped records one by one.
func (n *node) truncate(keep int) {
	kept := n.pairsFrom(0, keep)
	kind := n.Kind()
	flags := n.buf[flagsOffset]
	n.init(kind)
	n.buf[flagsOffset] = flags
	n.appendPairs(kept)
}
