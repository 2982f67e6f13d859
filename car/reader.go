package car

import (
	"bufio"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"

	"xdao.co/w3car/cidutil"
)

const maxHeaderSize = 32 << 10

// MaxSectionSize is the largest section, CID included, a Reader accepts.
const MaxSectionSize = 32 << 20

type rawHeader struct {
	Roots   []cbor.RawTag `cbor:"roots"`
	Version uint64        `cbor:"version"`
}

// Reader decodes an archive section by section.
type Reader struct {
	r      *bufio.Reader
	header Header
}

// NewReader reads and validates the archive header.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	body, err := readSection(br, maxHeaderSize)
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty archive", ErrInvalidHeader)
		}
		return nil, err
	}

	var raw rawHeader
	if err := cbor.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if raw.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, raw.Version)
	}
	if len(raw.Roots) == 0 {
		return nil, ErrNoRoots
	}

	h := Header{Version: raw.Version, Roots: make([]cid.Cid, 0, len(raw.Roots))}
	for _, t := range raw.Roots {
		id, err := decodeLink(t)
		if err != nil {
			return nil, err
		}
		h.Roots = append(h.Roots, id)
	}
	return &Reader{r: br, header: h}, nil
}

func decodeLink(t cbor.RawTag) (cid.Cid, error) {
	if t.Number != cidTag {
		return cid.Undef, fmt.Errorf("%w: root tag %d", ErrInvalidHeader, t.Number)
	}
	var b []byte
	if err := cbor.Unmarshal(t.Content, &b); err != nil {
		return cid.Undef, fmt.Errorf("%w: root link: %v", ErrInvalidHeader, err)
	}
	if len(b) < 2 || b[0] != 0 {
		return cid.Undef, fmt.Errorf("%w: root link prefix", ErrInvalidHeader)
	}
	id, err := cid.Cast(b[1:])
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: root link: %v", ErrInvalidHeader, err)
	}
	return id, nil
}

// Header returns the decoded header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next section, or io.EOF after the last one.
func (r *Reader) Next() (Block, error) {
	body, err := readSection(r.r, MaxSectionSize)
	if err != nil {
		return Block{}, err
	}
	n, id, err := cid.CidFromBytes(body)
	if err != nil {
		return Block{}, fmt.Errorf("%w: %v", ErrInvalidSection, err)
	}
	return Block{CID: id, Data: body[n:]}, nil
}

func readSection(r *bufio.Reader, limit uint64) ([]byte, error) {
	size, err := varint.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: length: %v", ErrInvalidSection, err)
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: zero length", ErrInvalidSection)
	}
	if size > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrSectionTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSection, err)
	}
	return body, nil
}

// Decode reads a whole archive.
func Decode(r io.Reader) (Header, []Block, error) {
	cr, err := NewReader(r)
	if err != nil {
		return Header{}, nil, err
	}
	var blocks []Block
	for {
		b, err := cr.Next()
		if err == io.EOF {
			return cr.Header(), blocks, nil
		}
		if err != nil {
			return Header{}, nil, err
		}
		blocks = append(blocks, b)
	}
}

// Verify reads a whole archive and checks that every section's bytes hash to
// its CID. visit, when non-nil, sees each verified section in order and may
// stop the walk by returning an error. Verify returns the header and the
// number of sections.
func Verify(r io.Reader, visit func(Block) error) (Header, int, error) {
	cr, err := NewReader(r)
	if err != nil {
		return Header{}, 0, err
	}
	count := 0
	for {
		b, err := cr.Next()
		if err == io.EOF {
			return cr.Header(), count, nil
		}
		if err != nil {
			return Header{}, count, err
		}
		if err := cidutil.Verify(b.CID, b.Data); err != nil {
			return Header{}, count, fmt.Errorf("car: section %d: %w", count, err)
		}
		if visit != nil {
			if err := visit(b); err != nil {
				return Header{}, count, err
			}
		}
		count++
	}
}
