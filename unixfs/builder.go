package unixfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ipfs/go-cid"

	"xdao.co/w3car/cidutil"
)

const (
	// DefaultChunkSize is the size of a raw leaf.
	DefaultChunkSize = 1 << 20
	// DefaultMaxLinks is the maximum fan-out of an interior file node.
	DefaultMaxLinks = 1024
)

var (
	ErrInvalidName   = errors.New("unixfs: invalid file name")
	ErrDuplicateName = errors.New("unixfs: duplicate file name")
	ErrNoFiles       = errors.New("unixfs: directory has no files")
)

// Block is one content-addressed block of a DAG.
type Block struct {
	CID  cid.Cid
	Data []byte
}

// Result is the output of a build.
//
// Blocks are in dependency order: every block appears after all blocks it
// links to, so the root is always last. No CID appears twice.
type Result struct {
	Root   cid.Cid
	Blocks []Block
	// Size is the number of payload bytes the DAG represents.
	Size uint64
}

// File is a named payload in the multi-file flow.
type File struct {
	Name string
	Data []byte
}

// Builder splits payloads into UnixFS DAGs.
//
// Leaves are raw blocks of at most ChunkSize bytes. A payload that fits in
// one chunk (including the empty payload) is its own root. Larger payloads
// are linked into a balanced tree of dag-pb file nodes with at most MaxLinks
// children each. The zero value uses the defaults.
type Builder struct {
	ChunkSize int
	MaxLinks  int
}

func (b Builder) chunkSize() int {
	if b.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return b.ChunkSize
}

func (b Builder) maxLinks() int {
	if b.MaxLinks < 2 {
		return DefaultMaxLinks
	}
	return b.MaxLinks
}

// BuildFile builds the DAG for an in-memory payload.
func (b Builder) BuildFile(data []byte) (Result, error) {
	return b.BuildReader(bytes.NewReader(data))
}

// BuildReader builds the DAG for a stream of unknown length. Read errors are
// returned and nothing is emitted.
func (b Builder) BuildReader(r io.Reader) (Result, error) {
	e := newEmitter()
	root, err := b.buildFile(e, r)
	if err != nil {
		return Result{}, err
	}
	return Result{Root: root.cid, Blocks: e.blocks, Size: root.fileSize}, nil
}

// BuildSized builds the DAG for a stream that must yield exactly size bytes.
// A short stream fails with an error wrapping io.ErrUnexpectedEOF; no partial
// final block is emitted.
func (b Builder) BuildSized(r io.Reader, size int64) (Result, error) {
	if size < 0 {
		return Result{}, fmt.Errorf("unixfs: negative size %d", size)
	}
	res, err := b.BuildReader(io.LimitReader(r, size))
	if err != nil {
		return Result{}, err
	}
	if res.Size != uint64(size) {
		return Result{}, fmt.Errorf("unixfs: read %d of %d bytes: %w", res.Size, size, io.ErrUnexpectedEOF)
	}
	return res, nil
}

// BuildDirectory builds a flat UnixFS directory whose entries are files.
// Entries are linked in name order regardless of input order.
func (b Builder) BuildDirectory(files []File) (Result, error) {
	if len(files) == 0 {
		return Result{}, ErrNoFiles
	}
	sorted := append([]File(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for i, f := range sorted {
		if f.Name == "" || f.Name == "." || f.Name == ".." || strings.Contains(f.Name, "/") {
			return Result{}, fmt.Errorf("%w: %q", ErrInvalidName, f.Name)
		}
		if i > 0 && sorted[i-1].Name == f.Name {
			return Result{}, fmt.Errorf("%w: %q", ErrDuplicateName, f.Name)
		}
	}

	e := newEmitter()
	links := make([]Link, 0, len(sorted))
	var total uint64
	var tsize uint64
	for _, f := range sorted {
		n, err := b.buildFile(e, bytes.NewReader(f.Data))
		if err != nil {
			return Result{}, fmt.Errorf("unixfs: %s: %w", f.Name, err)
		}
		links = append(links, Link{CID: n.cid, Name: f.Name, Tsize: n.tsize})
		total += n.fileSize
		tsize += n.tsize
	}

	data := encodeNode(links, encodeFSData(FSData{Type: TypeDirectory}))
	id, err := cidutil.DagPBCID(data)
	if err != nil {
		return Result{}, err
	}
	e.emit(id, data)
	return Result{Root: id, Blocks: e.blocks, Size: total}, nil
}

type node struct {
	cid      cid.Cid
	fileSize uint64
	// tsize is the encoded size of the node plus all of its descendants.
	tsize uint64
}

func (b Builder) buildFile(e *emitter, r io.Reader) (node, error) {
	leaves, err := b.leaves(e, r)
	if err != nil {
		return node{}, err
	}

	level := leaves
	width := b.maxLinks()
	for len(level) > 1 {
		next := make([]node, 0, (len(level)+width-1)/width)
		for i := 0; i < len(level); i += width {
			end := min(i+width, len(level))
			n, err := fileNode(e, level[i:end])
			if err != nil {
				return node{}, err
			}
			next = append(next, n)
		}
		level = next
	}
	return level[0], nil
}

func (b Builder) leaves(e *emitter, r io.Reader) ([]node, error) {
	size := b.chunkSize()
	var out []node
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(r, buf)
		switch {
		case err == io.EOF:
			if len(out) > 0 {
				return out, nil
			}
			// The empty payload is a single empty raw leaf.
		case err == io.ErrUnexpectedEOF, err == nil:
		default:
			return nil, fmt.Errorf("unixfs: read chunk: %w", err)
		}

		chunk := buf[:n]
		if n < size {
			chunk = append([]byte{}, chunk...)
		}
		id, cerr := cidutil.RawCID(chunk)
		if cerr != nil {
			return nil, cerr
		}
		e.emit(id, chunk)
		out = append(out, node{cid: id, fileSize: uint64(n), tsize: uint64(n)})
		if err != nil {
			return out, nil
		}
	}
}

func fileNode(e *emitter, children []node) (node, error) {
	links := make([]Link, len(children))
	sizes := make([]uint64, len(children))
	var fileSize, tsize uint64
	for i, c := range children {
		links[i] = Link{CID: c.cid, Tsize: c.tsize}
		sizes[i] = c.fileSize
		fileSize += c.fileSize
		tsize += c.tsize
	}
	data := encodeNode(links, encodeFSData(FSData{
		Type:       TypeFile,
		FileSize:   fileSize,
		HasSize:    true,
		BlockSizes: sizes,
	}))
	id, err := cidutil.DagPBCID(data)
	if err != nil {
		return node{}, err
	}
	e.emit(id, data)
	return node{cid: id, fileSize: fileSize, tsize: tsize + uint64(len(data))}, nil
}

type emitter struct {
	blocks []Block
	seen   map[cid.Cid]struct{}
}

func newEmitter() *emitter {
	return &emitter{seen: make(map[cid.Cid]struct{})}
}

func (e *emitter) emit(id cid.Cid, data []byte) {
	if _, ok := e.seen[id]; ok {
		return
	}
	e.seen[id] = struct{}{}
	e.blocks = append(e.blocks, Block{CID: id, Data: data})
}
