// Command pagetool inspects shard page files written by a checkpoint.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"time"

	"btreekv/pkg/btree"
	"btreekv/pkg/compression"
	"btreekv/pkg/pagestore"
)

func main() {
	var (
		mode     = flag.String("mode", "stats", "mode: stats, dump, benchmark")
		input    = flag.String("input", "", "page file path (shard-NNN.pages)")
		nodeSize = flag.Int("node-size", btree.DefaultNodeSize, "node size the store was created with")
		limit    = flag.Int("limit", 20, "entries to print in dump mode")
	)
	flag.Parse()

	if *input == "" {
		log.Fatal("input file is required")
	}

	pages, seq, err := load(*input)
	if err != nil {
		log.Fatalf("load failed: %v", err)
	}

	switch *mode {
	case "stats":
		err = stats(pages, seq, *nodeSize)
	case "dump":
		err = dump(pages, *nodeSize, *limit)
	case "benchmark":
		err = benchmark(pages)
	default:
		log.Fatalf("unknown mode: %s", *mode)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", *mode, err)
	}
}

// load reads the file into an uncompressed page store whatever codec wrote it.
func load(path string) (*pagestore.Store, uint64, error) {
	codec, err := compression.New(compression.None)
	if err != nil {
		return nil, 0, err
	}
	ps := pagestore.New(0, codec, 0)
	seq, ok, err := ps.LoadFile(path)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("%s does not exist", path)
	}
	return ps, seq, nil
}

// open rebuilds the tree; OpenSlice verifies its structure on the way.
func open(pages *pagestore.Store, nodeSize int) (*btree.Slice, error) {
	return btree.OpenSlice(0, btree.Options{NodeSize: nodeSize}, pages)
}

func stats(pages *pagestore.Store, seq uint64, nodeSize int) error {
	s, err := open(pages, nodeSize)
	if err != nil {
		return err
	}
	st := s.Stats()
	ps := pages.Stats()

	fmt.Printf("Page file:\n")
	fmt.Printf("  Checkpoint seq: %d\n", seq)
	fmt.Printf("  Pages: %d\n", ps.Pages)
	fmt.Printf("  Bytes: %d\n", ps.Bytes)
	fmt.Printf("Tree:\n")
	fmt.Printf("  Height: %d\n", st.Height)
	fmt.Printf("  Nodes: %d\n", st.Nodes)
	fmt.Printf("  Keys: %d\n", st.Keys)
	if st.Nodes > 0 {
		fmt.Printf("  Fill: %.2f%%\n", float64(ps.Bytes)/float64(st.Nodes*nodeSize)*100)
	}
	return nil
}

func dump(pages *pagestore.Store, nodeSize, limit int) error {
	s, err := open(pages, nodeSize)
	if err != nil {
		return err
	}
	n := 0
	s.Ascend(func(e btree.Entry) bool {
		fmt.Printf("%q = %q (cas=%d ts=%d)\n", e.Key, e.Value, e.CasTime.Cas, e.CasTime.Timestamp)
		n++
		return limit <= 0 || n < limit
	})
	return nil
}

func benchmark(pages *pagestore.Store) error {
	var raw [][]byte
	var rawSize int
	if err := pages.Range(func(_ btree.NodeRef, page []byte) bool {
		raw = append(raw, page)
		rawSize += len(page)
		return true
	}); err != nil {
		return err
	}
	if rawSize == 0 {
		return fmt.Errorf("no pages")
	}

	for _, name := range []string{compression.None, compression.Gzip, compression.Zstd} {
		codec, err := compression.New(name)
		if err != nil {
			return err
		}

		start := time.Now()
		packed := make([][]byte, len(raw))
		var size int
		for i, page := range raw {
			packed[i] = codec.Compress(nil, page)
			size += len(packed[i])
		}
		compressTime := time.Since(start)

		start = time.Now()
		for i, p := range packed {
			page, err := codec.Decompress(nil, p)
			if err != nil {
				return fmt.Errorf("%s: page %d: %w", name, i, err)
			}
			if !bytes.Equal(page, raw[i]) {
				return fmt.Errorf("%s: page %d does not round trip", name, i)
			}
		}
		decompressTime := time.Since(start)

		fmt.Printf("\n%s:\n", name)
		fmt.Printf("  Size: %d of %d bytes (%.2f%%)\n", size, rawSize, float64(size)/float64(rawSize)*100)
		fmt.Printf("  Compress: %v\n", compressTime)
		fmt.Printf("  Decompress: %v\n", decompressTime)
	}
	return nil
}
