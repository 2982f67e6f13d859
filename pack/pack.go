// Package pack turns payloads into immutable, identified archives.
//
// Packing runs the UnixFS builder, encodes the resulting blocks into a CARv1
// archive declaring the DAG root, and derives the archive CID from the exact
// archive bytes. The Archive keeps its bytes private so the identifiers it
// reports can never go stale.
package pack

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"

	"xdao.co/w3car/car"
	"xdao.co/w3car/cidutil"
	"xdao.co/w3car/unixfs"
)

// Archive is a serialized CAR with its derived identifiers.
type Archive struct {
	root  cid.Cid
	id    cid.Cid
	data  []byte
	count int
}

// Root is the DAG-root identifier: it names the logical content.
func (a *Archive) Root() cid.Cid { return a.root }

// CID is the archive identifier: it names these exact archive bytes.
func (a *Archive) CID() cid.Cid { return a.id }

// Size is the exact byte length of the archive.
func (a *Archive) Size() uint64 { return uint64(len(a.data)) }

// Blocks is the number of sections in the archive.
func (a *Archive) Blocks() int { return a.count }

// Reader returns a fresh reader over the archive bytes.
func (a *Archive) Reader() *bytes.Reader { return bytes.NewReader(a.data) }

// Bytes returns a copy of the archive bytes.
func (a *Archive) Bytes() []byte { return append([]byte(nil), a.data...) }

// WriteTo writes the archive bytes to w.
func (a *Archive) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(a.data)
	return int64(n), err
}

// Packer builds archives with a fixed builder configuration.
type Packer struct {
	Builder unixfs.Builder
}

// File packs a single payload.
func (p Packer) File(data []byte) (*Archive, error) {
	res, err := p.Builder.BuildFile(data)
	if err != nil {
		return nil, err
	}
	return fromResult(res)
}

// Reader packs a stream of unknown length.
func (p Packer) Reader(r io.Reader) (*Archive, error) {
	res, err := p.Builder.BuildReader(r)
	if err != nil {
		return nil, err
	}
	return fromResult(res)
}

// Sized packs a stream that must yield exactly size bytes, such as a file
// whose length was taken from stat. A short stream is an error.
func (p Packer) Sized(r io.Reader, size int64) (*Archive, error) {
	res, err := p.Builder.BuildSized(r, size)
	if err != nil {
		return nil, err
	}
	return fromResult(res)
}

// Directory packs several named payloads under one UnixFS directory root.
func (p Packer) Directory(files []unixfs.File) (*Archive, error) {
	res, err := p.Builder.BuildDirectory(files)
	if err != nil {
		return nil, err
	}
	return fromResult(res)
}

// File packs data with the default builder.
func File(data []byte) (*Archive, error) { return Packer{}.File(data) }

func fromResult(res unixfs.Result) (*Archive, error) {
	blocks := make([]car.Block, len(res.Blocks))
	for i, b := range res.Blocks {
		blocks[i] = car.Block{CID: b.CID, Data: b.Data}
	}
	data, err := car.Encode([]cid.Cid{res.Root}, blocks)
	if err != nil {
		return nil, fmt.Errorf("pack: encode archive: %w", err)
	}
	id, err := cidutil.CARCID(data)
	if err != nil {
		return nil, fmt.Errorf("pack: archive cid: %w", err)
	}
	return &Archive{root: res.Root, id: id, data: data, count: len(blocks)}, nil
}
