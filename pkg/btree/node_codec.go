package btree

import (
	"encoding/binary"
	"fmt"

	"btreekv/pkg/types"
)

const (
	kindLeaf     byte = 1
	kindInternal byte = 2
)

// Encode serializes the node into its page form.
//
//	leaf:     kind | count u16 | { klen u16 | key | vlen u32 | value | cas u64 | ts u64 }*
//	internal: kind | count u16 | child0 u32 | { klen u16 | key | child u32 }*
//
// All integers are little endian. len(Encode()) == Size().
func (n *Node) Encode() []byte {
	buf := make([]byte, 0, n.size)
	if n.leaf {
		buf = append(buf, kindLeaf)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(n.entries)))
		for _, e := range n.entries {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Key)))
			buf = append(buf, e.Key...)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
			buf = append(buf, e.Value...)
			buf = binary.LittleEndian.AppendUint64(buf, e.CasTime.Cas)
			buf = binary.LittleEndian.AppendUint64(buf, e.CasTime.Timestamp)
		}
		return buf
	}

	buf = append(buf, kindInternal)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(n.keys)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n.children[0]))
	for i, k := range n.keys {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(k)))
		buf = append(buf, k...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(n.children[i+1]))
	}
	return buf
}

// DecodeNode parses a page produced by Encode.
func DecodeNode(page []byte) (*Node, error) {
	r := pageReader{buf: page}
	kind := r.u8()
	count := int(r.u16())
	if r.err != nil {
		return nil, r.err
	}

	switch kind {
	case kindLeaf:
		entries := make([]Entry, 0, count)
		for i := 0; i < count; i++ {
			key := r.bytes(int(r.u16()))
			value := r.bytes(int(r.u32()))
			ct := types.CasTime{Cas: r.u64(), Timestamp: r.u64()}
			if r.err != nil {
				return nil, r.err
			}
			entries = append(entries, Entry{Key: key, Value: value, CasTime: ct})
		}
		if !r.done() {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptPage, len(r.buf)-r.off)
		}
		return newLeaf(entries), nil

	case kindInternal:
		keys := make([][]byte, 0, count)
		children := make([]NodeRef, 0, count+1)
		children = append(children, NodeRef(r.u32()))
		for i := 0; i < count; i++ {
			keys = append(keys, r.bytes(int(r.u16())))
			children = append(children, NodeRef(r.u32()))
		}
		if r.err != nil {
			return nil, r.err
		}
		if !r.done() {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptPage, len(r.buf)-r.off)
		}
		return newInternal(keys, children), nil

	default:
		return nil, fmt.Errorf("%w: unknown node kind %d", ErrCorruptPage, kind)
	}
}

// pageReader is a cursor over a page that remembers the first short read.
type pageReader struct {
	buf []byte
	off int
	err error
}

func (r *pageReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: short page at offset %d", ErrCorruptPage, r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *pageReader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *pageReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *pageReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *pageReader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *pageReader) bytes(n int) []byte {
	return clone(r.take(n))
}

func (r *pageReader) done() bool {
	return r.err == nil && r.off == len(r.buf)
}
