package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"btreekv/pkg/listener"
	"btreekv/pkg/types"
)

// Op is the kind of a redo record.
type Op uint8

const (
	OpSet    Op = 1
	OpDelete Op = 2
)

// Entry is one redo record. Replaying a set or delete twice has the same effect
// as replaying it once.
type Entry struct {
	SeqNum  types.SeqN
	Shard   types.ShardID
	Op      Op
	Key     []byte
	Value   []byte
	CasTime types.CasTime
}

const headerSize = 8 + 4 + 1 + 8 + 8 + 4 + 4

var (
	ErrClosed      = errors.New("wal: closed")
	errCorruptTail = errors.New("wal: corrupt record")
)

type Options struct {
	// Sync makes every batch durable with fsync, otherwise batches are only flushed.
	Sync      bool
	QueueSize int
}

// WAL implements write-ahead logging. Appends are numbered and queued in one
// order; a listener writes them and makes each batch durable at once.
type WAL struct {
	*listener.Listener[Entry]

	appendMu sync.Mutex
	seq      atomic.Uint64
	closed   bool

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	sync     bool
	buf      []byte

	inputCh chan Entry

	durMu   sync.Mutex
	durable types.SeqN
	notify  chan struct{}
	failed  error
}

// New opens or creates dir/wal.log. Sequence numbers continue after the last
// valid record; a torn tail is cut off.
func New(dir string, opts Options) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}

	filePath := filepath.Join(dir, "wal.log")
	last, valid, err := scanFile(filePath, func(Entry) error { return nil })
	if err != nil {
		return nil, err
	}
	if err := truncateTail(filePath, valid); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	wal := &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		sync:     opts.Sync,
		inputCh:  make(chan Entry, opts.QueueSize),
		durable:  last,
		notify:   make(chan struct{}),
	}
	wal.seq.Store(last)

	wal.Listener = listener.NewBatch(wal.inputCh, opts.QueueSize, wal.writeBatch, wal.stop).OnError(wal.fail)

	return wal, nil
}

// Append numbers the entry and queues it for writing.
func (w *WAL) Append(entry Entry) (types.SeqN, error) {
	w.appendMu.Lock()
	defer w.appendMu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}
	if err := w.Err(); err != nil {
		return 0, err
	}
	entry.SeqNum = w.seq.Add(1)
	w.inputCh <- entry
	return entry.SeqNum, nil
}

// Advance makes numbering continue after seq. A store calls it before the
// first Append with the newest seq its page files cover, since a truncated log
// no longer remembers it.
func (w *WAL) Advance(seq types.SeqN) {
	w.appendMu.Lock()
	defer w.appendMu.Unlock()

	for {
		cur := w.seq.Load()
		if seq <= cur || w.seq.CompareAndSwap(cur, seq) {
			break
		}
	}

	w.durMu.Lock()
	if seq > w.durable {
		w.durable = seq
	}
	w.durMu.Unlock()
}

// Err returns the write failure that stopped the log, if any.
func (w *WAL) Err() error {
	w.durMu.Lock()
	defer w.durMu.Unlock()
	return w.failed
}

// LastSeq returns the number of the newest appended entry.
func (w *WAL) LastSeq() types.SeqN {
	return w.seq.Load()
}

// Durable returns the number up to which all entries are written.
func (w *WAL) Durable() types.SeqN {
	w.durMu.Lock()
	defer w.durMu.Unlock()
	return w.durable
}

// WaitDurable blocks until the entry numbered seq and all before it are written.
// durable never moves past a failed batch, so entries at or below it are safe
// even after a failure.
func (w *WAL) WaitDurable(ctx context.Context, seq types.SeqN) error {
	for {
		w.durMu.Lock()
		durable, failed, notify := w.durable, w.failed, w.notify
		w.durMu.Unlock()

		switch {
		case durable >= seq:
			return nil
		case failed != nil:
			return failed
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeBatch is called by the listener with the entries queued so far; the
// whole batch becomes durable with one flush.
func (w *WAL) writeBatch(entries []Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}
	// после сбоя лог с дыркой писать нельзя
	if w.Err() != nil {
		return nil
	}
	for _, entry := range entries {
		w.buf = encodeEntry(w.buf[:0], entry)
		if _, err := w.writer.Write(w.buf); err != nil {
			err = fmt.Errorf("failed to write WAL entry %d: %w", entry.SeqNum, err)
			w.poison(err)
			return err
		}
	}

	if err := w.flushLocked(); err != nil {
		w.poison(err)
		return err
	}
	w.markDurable(entries[len(entries)-1].SeqNum)
	return nil
}

func (w *WAL) flushLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL: %w", err)
		}
	}
	return nil
}

func (w *WAL) markDurable(seq types.SeqN) {
	w.durMu.Lock()
	defer w.durMu.Unlock()
	if w.failed != nil {
		return
	}
	if seq > w.durable {
		w.durable = seq
	}
	close(w.notify)
	w.notify = make(chan struct{})
}

func (w *WAL) fail(err error) {
	slog.Error("WAL write failed", "error", err)
	w.poison(err)
}

// poison stops the log at the first failed batch and wakes every waiter.
func (w *WAL) poison(err error) {
	w.durMu.Lock()
	defer w.durMu.Unlock()
	if w.failed == nil {
		w.failed = err
	}
	close(w.notify)
	w.notify = make(chan struct{})
}

// Replay calls fn for every entry numbered start or later, in log order.
func (w *WAL) Replay(start types.SeqN, callback func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL before replay: %w", err)
		}
	}

	_, _, err := scanFile(w.filePath, func(e Entry) error {
		if e.SeqNum < start {
			return nil
		}
		if err := callback(e); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
		return nil
	})
	return err
}

// Truncate drops every entry numbered upTo or lower. Appends wait meanwhile.
func (w *WAL) Truncate(ctx context.Context, upTo types.SeqN) error {
	w.appendMu.Lock()
	defer w.appendMu.Unlock()

	if err := w.WaitDurable(ctx, w.seq.Load()); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}

	tmpPath := w.filePath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create WAL copy: %w", err)
	}
	bw := bufio.NewWriter(tmp)
	var kept int
	var buf []byte
	_, _, err = scanFile(w.filePath, func(e Entry) error {
		if e.SeqNum <= upTo {
			return nil
		}
		kept++
		buf = encodeEntry(buf[:0], e)
		_, err := bw.Write(buf)
		return err
	})
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to copy WAL: %w", err)
	}

	if err := w.file.Close(); err != nil {
		slog.Warn("failed to close WAL file", "error", err)
	}
	if err := os.Rename(tmpPath, w.filePath); err != nil {
		return fmt.Errorf("failed to replace WAL: %w", err)
	}
	file, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen WAL file: %w", err)
	}
	w.file = file
	w.writer.Reset(file)

	slog.Debug("WAL truncated", "up_to", upTo, "kept", kept)
	return nil
}

func (w *WAL) Close() error {
	w.appendMu.Lock()
	w.closed = true
	w.appendMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

// stop runs after the listener drained the queue.
func (w *WAL) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return
	}
	if w.Err() != nil {
		return
	}
	if err := w.flushLocked(); err != nil {
		w.fail(err)
		return
	}
	w.markDurable(w.seq.Load())
}

//	seq u64 | shard u32 | op u8 | cas u64 | ts u64 | klen u32 | vlen u32 | key | value | crc32 u32
func encodeEntry(buf []byte, e Entry) []byte {
	start := len(buf)
	buf = binary.LittleEndian.AppendUint64(buf, e.SeqNum)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Shard))
	buf = append(buf, byte(e.Op))
	buf = binary.LittleEndian.AppendUint64(buf, e.CasTime.Cas)
	buf = binary.LittleEndian.AppendUint64(buf, e.CasTime.Timestamp)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Value)))
	buf = append(buf, e.Key...)
	buf = append(buf, e.Value...)
	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[start:]))
}

// readEntry reads a single entry from the WAL
func readEntry(r io.Reader) (Entry, int64, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Entry{}, 0, err
	}

	e := Entry{
		SeqNum: binary.LittleEndian.Uint64(hdr[0:8]),
		Shard:  types.ShardID(binary.LittleEndian.Uint32(hdr[8:12])),
		Op:     Op(hdr[12]),
		CasTime: types.CasTime{
			Cas:       binary.LittleEndian.Uint64(hdr[13:21]),
			Timestamp: binary.LittleEndian.Uint64(hdr[21:29]),
		},
	}
	keyLen := binary.LittleEndian.Uint32(hdr[29:33])
	valueLen := binary.LittleEndian.Uint32(hdr[33:37])
	if uint64(keyLen)+uint64(valueLen) > math.MaxInt32 || (e.Op != OpSet && e.Op != OpDelete) {
		return Entry{}, 0, errCorruptTail
	}

	body := make([]byte, int(keyLen)+int(valueLen)+4)
	if _, err := io.ReadFull(r, body); err != nil {
		return Entry{}, 0, err
	}
	crc := crc32.NewIEEE()
	crc.Write(hdr[:])
	crc.Write(body[:len(body)-4])
	if crc.Sum32() != binary.LittleEndian.Uint32(body[len(body)-4:]) {
		return Entry{}, 0, errCorruptTail
	}

	e.Key = body[:keyLen:keyLen]
	e.Value = body[keyLen : keyLen+valueLen : keyLen+valueLen]
	return e, int64(headerSize + len(body)), nil
}

// scanFile reads records until the end of the file or the first torn or corrupt
// record. It returns the last sequence number and the length of the valid prefix.
func scanFile(path string, fn func(Entry) error) (types.SeqN, int64, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	var last types.SeqN
	var valid int64
	for {
		entry, n, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return last, valid, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errCorruptTail) {
				slog.Warn("WAL tail ignored", "path", path, "offset", valid, "error", err)
				return last, valid, nil
			}
			return last, valid, fmt.Errorf("failed to read WAL entry: %w", err)
		}
		if err := fn(entry); err != nil {
			return last, valid, err
		}
		last = entry.SeqNum
		valid += n
	}
}

func truncateTail(path string, valid int64) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat WAL: %w", err)
	}
	if info.Size() == valid {
		return nil
	}
	if err := os.Truncate(path, valid); err != nil {
		return fmt.Errorf("failed to cut WAL tail: %w", err)
	}
	return nil
}
