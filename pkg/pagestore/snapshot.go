package pagestore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"btreekv/pkg/btree"
	"btreekv/pkg/compression"
	"btreekv/pkg/types"
)

const (
	snapshotMagic   = "BTKVPAGE"
	snapshotVersion = 1
)

var ErrBadSnapshot = errors.New("pagestore: bad snapshot")

// Save writes every page together with the root and the journal sequence number
// the pages are consistent with. The caller keeps the tree quiesced meanwhile.
//
//	magic | version u16 | codec | seq u64 | root u32 | hasRoot u8 | count u32 |
//	{ ref u32 | len u32 | compressed page }* | crc32 u32
func (s *Store) Save(w io.Writer, seq types.SeqN) (int64, error) {
	meter := compression.NewMeter(w)
	bw := bufio.NewWriter(meter)
	crc := crc32.NewIEEE()
	out := io.MultiWriter(bw, crc)

	var hdr []byte
	hdr = append(hdr, snapshotMagic...)
	hdr = binary.LittleEndian.AppendUint16(hdr, snapshotVersion)
	name := s.codec.Name()
	hdr = append(hdr, byte(len(name)))
	hdr = append(hdr, name...)
	hdr = binary.LittleEndian.AppendUint64(hdr, seq)
	root, hasRoot := s.Root()
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(root))
	if hasRoot {
		hdr = append(hdr, 1)
	} else {
		hdr = append(hdr, 0)
	}
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(s.pages.Len()))
	if _, err := out.Write(hdr); err != nil {
		return meter.Written(), err
	}

	var writeErr error
	var count uint32
	s.pages.Range(func(ref uint32, packed []byte) bool {
		var rec [8]byte
		binary.LittleEndian.PutUint32(rec[0:4], ref)
		binary.LittleEndian.PutUint32(rec[4:8], uint32(len(packed)))
		if _, writeErr = out.Write(rec[:]); writeErr != nil {
			return false
		}
		if _, writeErr = out.Write(packed); writeErr != nil {
			return false
		}
		count++
		return true
	})
	if writeErr != nil {
		return meter.Written(), writeErr
	}
	if int(count) != s.pages.Len() {
		return meter.Written(), fmt.Errorf("%w: page table changed during save", ErrBadSnapshot)
	}

	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], crc.Sum32())
	if _, err := bw.Write(sum[:]); err != nil {
		return meter.Written(), err
	}
	if err := bw.Flush(); err != nil {
		return meter.Written(), err
	}
	return meter.Written(), nil
}

// Load replaces the content of the store with a snapshot written by Save and
// returns its sequence number.
func (s *Store) Load(r io.Reader) (types.SeqN, error) {
	crc := crc32.NewIEEE()
	br := bufio.NewReader(r)
	in := io.TeeReader(br, crc)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(in, magic); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if string(magic) != snapshotMagic {
		return 0, fmt.Errorf("%w: magic %q", ErrBadSnapshot, magic)
	}

	var version uint16
	if err := binary.Read(in, binary.LittleEndian, &version); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if version != snapshotVersion {
		return 0, fmt.Errorf("%w: version %d", ErrBadSnapshot, version)
	}

	var nameLen [1]byte
	if _, err := io.ReadFull(in, nameLen[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	name := make([]byte, nameLen[0])
	if _, err := io.ReadFull(in, name); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	codec := s.codec
	if string(name) != s.codec.Name() {
		c, err := compression.New(string(name))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
		}
		codec = c
	}

	var fixed struct {
		Seq     uint64
		Root    uint32
		HasRoot uint8
		Count   uint32
	}
	if err := binary.Read(in, binary.LittleEndian, &fixed); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}

	type record struct {
		ref    uint32
		packed []byte
	}
	records := make([]record, 0, fixed.Count)
	for i := uint32(0); i < fixed.Count; i++ {
		var rec [8]byte
		if _, err := io.ReadFull(in, rec[:]); err != nil {
			return 0, fmt.Errorf("%w: page %d: %v", ErrBadSnapshot, i, err)
		}
		packed := make([]byte, binary.LittleEndian.Uint32(rec[4:8]))
		if _, err := io.ReadFull(in, packed); err != nil {
			return 0, fmt.Errorf("%w: page %d: %v", ErrBadSnapshot, i, err)
		}
		records = append(records, record{ref: binary.LittleEndian.Uint32(rec[0:4]), packed: packed})
	}

	want := crc.Sum32()
	var sum [4]byte
	if _, err := io.ReadFull(br, sum[:]); err != nil {
		return 0, fmt.Errorf("%w: checksum: %v", ErrBadSnapshot, err)
	}
	if got := binary.LittleEndian.Uint32(sum[:]); got != want {
		return 0, fmt.Errorf("%w: checksum %08x, expected %08x", ErrBadSnapshot, got, want)
	}

	s.reset()
	for _, rec := range records {
		if codec != s.codec {
			page, err := codec.Decompress(nil, rec.packed)
			if err != nil {
				return 0, fmt.Errorf("%w: page %d: %v", ErrBadSnapshot, rec.ref, err)
			}
			rec.packed = s.codec.Compress(nil, page)
		}
		s.pages.Store(rec.ref, rec.packed)
		s.bytes.Add(int64(len(rec.packed)))
	}
	if fixed.HasRoot == 1 {
		_ = s.SetRoot(btree.NodeRef(fixed.Root))
	}
	return fixed.Seq, nil
}

// SaveFile writes a snapshot to path atomically.
func (s *Store) SaveFile(path string, seq types.SeqN) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmp.Name())
	}()

	n, err := s.Save(tmp, seq)
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	slog.Debug("snapshot saved", "shard", s.shard, "path", path, "bytes", n, "seq", seq)
	return nil
}

// LoadFile loads a snapshot written by SaveFile. A missing file leaves the
// store empty and reports ok == false.
func (s *Store) LoadFile(path string) (seq types.SeqN, ok bool, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("open snapshot: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			slog.Warn("failed to close snapshot", "path", path, "error", cerr)
		}
	}()

	seq, err = s.Load(f)
	if err != nil {
		return 0, false, fmt.Errorf("load %s: %w", path, err)
	}
	return seq, true, nil
}
