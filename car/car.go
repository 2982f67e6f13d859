// Package car reads and writes CARv1 archives.
//
// An archive is a header followed by a sequence of sections:
//
//	varint(len(header)) | header
//	varint(len(cid)+len(data)) | cid | data
//	...
//
// The header is the DAG-CBOR map {"roots": [cid, ...], "version": 1}. Writers
// emit sections in the order they are given, without deduplication or
// compression, so the archive bytes (and therefore the archive CID) are a
// pure function of the roots and the block sequence.
package car

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

// Version is the only CAR version this package writes or reads.
const Version = 1

// cidTag is the CBOR tag for IPLD links.
const cidTag = 42

// Block is one archive section.
type Block struct {
	CID  cid.Cid
	Data []byte
}

// Header is the decoded archive header.
type Header struct {
	Roots   []cid.Cid
	Version uint64
}

type wireHeader struct {
	Roots   []cbor.Tag `cbor:"roots"`
	Version uint64     `cbor:"version"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("car: CBOR encoder initialization failed: " + err.Error())
	}
}

// EncodeHeader returns the length-prefixed header for roots.
func EncodeHeader(roots []cid.Cid) ([]byte, error) {
	if len(roots) == 0 {
		return nil, ErrNoRoots
	}
	h := wireHeader{Roots: make([]cbor.Tag, len(roots)), Version: Version}
	for i, r := range roots {
		if !r.Defined() {
			return nil, ErrUndefinedCID
		}
		// DAG-CBOR links carry a leading 0x00 multibase-identity byte.
		h.Roots[i] = cbor.Tag{Number: cidTag, Content: append([]byte{0}, r.Bytes()...)}
	}
	body, err := encMode.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("car: encode header: %w", err)
	}
	out := varint.ToUvarint(uint64(len(body)))
	return append(out, body...), nil
}

// Writer streams an archive to an underlying writer.
type Writer struct {
	w   io.Writer
	err error
}

// NewWriter writes the header for roots and returns a Writer for the sections.
func NewWriter(w io.Writer, roots []cid.Cid) (*Writer, error) {
	hdr, err := EncodeHeader(roots)
	if err != nil {
		return nil, err
	}
	cw := &Writer{w: w}
	if err := cw.write(hdr); err != nil {
		return nil, err
	}
	return cw, nil
}

// Put appends one section. After a write error every later call fails with it.
func (w *Writer) Put(id cid.Cid, data []byte) error {
	if w.err != nil {
		return w.err
	}
	if !id.Defined() {
		return ErrUndefinedCID
	}
	key := id.Bytes()
	if err := w.write(varint.ToUvarint(uint64(len(key) + len(data)))); err != nil {
		return err
	}
	if err := w.write(key); err != nil {
		return err
	}
	return w.write(data)
}

func (w *Writer) write(p []byte) error {
	if w.err != nil {
		return w.err
	}
	if _, err := w.w.Write(p); err != nil {
		w.err = err
		return err
	}
	return nil
}

// Encode serializes roots and blocks into one archive.
func Encode(roots []cid.Cid, blocks []Block) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, roots)
	if err != nil {
		return nil, err
	}
	for _, b := range blocks {
		if err := w.Put(b.CID, b.Data); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
