package pack

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"

	"xdao.co/w3car/car"
	"xdao.co/w3car/cidutil"
	"xdao.co/w3car/unixfs"
)

var (
	ErrDuplicateBlock = errors.New("pack: duplicate block")
	ErrMissingBlock   = errors.New("pack: missing block")
	ErrBlockOrder     = errors.New("pack: block precedes its links")
)

// Report describes a verified archive.
type Report struct {
	Roots  []cid.Cid
	CID    cid.Cid
	Size   uint64
	Blocks int
}

// Verify checks a serialized archive: every section hashes to its CID, no
// CID repeats, every dag-pb link points at a block stored earlier, and every
// root is present.
func Verify(r io.Reader) (Report, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Report{}, err
	}
	seen := make(map[cid.Cid]struct{})
	h, _, err := car.Verify(bytes.NewReader(data), func(b car.Block) error {
		if _, dup := seen[b.CID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateBlock, b.CID)
		}
		if b.CID.Prefix().Codec == cidutil.CodecDagPB {
			n, err := unixfs.DecodeNode(b.Data)
			if err != nil {
				return err
			}
			for _, l := range n.Links {
				if _, ok := seen[l.CID]; !ok {
					return fmt.Errorf("%w: %s links %s", ErrBlockOrder, b.CID, l.CID)
				}
			}
		}
		seen[b.CID] = struct{}{}
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	for _, root := range h.Roots {
		if _, ok := seen[root]; !ok {
			return Report{}, fmt.Errorf("%w: root %s", ErrMissingBlock, root)
		}
	}
	id, err := cidutil.CARCID(data)
	if err != nil {
		return Report{}, err
	}
	return Report{Roots: h.Roots, CID: id, Size: uint64(len(data)), Blocks: len(seen)}, nil
}
