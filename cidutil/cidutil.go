package cidutil

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// Multicodec content types used by this module.
const (
	// CodecRaw identifies a raw leaf block.
	CodecRaw uint64 = cid.Raw
	// CodecDagPB identifies a dag-pb (UnixFS) node.
	CodecDagPB uint64 = cid.DagProtobuf
	// CodecCAR identifies a serialized CARv1 archive ("car" in the multicodec table).
	CodecCAR uint64 = 0x0202
)

var base32 = multibase.MustNewEncoder(multibase.Base32)

// Sum returns a CIDv1 with the given multicodec and a sha2-256 multihash of data.
func Sum(codec uint64, data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(codec, sum), nil
}

// RawCID returns a CIDv1 (raw + sha2-256) derived from data.
func RawCID(data []byte) (cid.Cid, error) { return Sum(CodecRaw, data) }

// DagPBCID returns a CIDv1 (dag-pb + sha2-256) derived from an encoded dag-pb node.
func DagPBCID(data []byte) (cid.Cid, error) { return Sum(CodecDagPB, data) }

// CARCID returns the identifier of a serialized archive: CIDv1 (car + sha2-256)
// over the exact archive bytes.
func CARCID(archive []byte) (cid.Cid, error) { return Sum(CodecCAR, archive) }

// IsArchive reports whether id names a serialized archive rather than DAG content.
func IsArchive(id cid.Cid) bool {
	return id.Defined() && id.Prefix().Codec == CodecCAR
}

// IsDAG reports whether id names UnixFS DAG content (a raw leaf or a dag-pb node).
func IsDAG(id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	switch id.Prefix().Codec {
	case CodecRaw, CodecDagPB:
		return true
	default:
		return false
	}
}

// String renders id in base32 multibase, the canonical text form for CIDv1.
func String(id cid.Cid) string {
	if !id.Defined() {
		return ""
	}
	return id.Encode(base32)
}

// Verify recomputes the CID of data with the codec and hash function declared
// by id and reports whether it matches.
func Verify(id cid.Cid, data []byte) error {
	if !id.Defined() {
		return fmt.Errorf("cidutil: undefined cid")
	}
	got, err := id.Prefix().Sum(data)
	if err != nil {
		return err
	}
	if !got.Equals(id) {
		return fmt.Errorf("cidutil: cid mismatch: got %s want %s", got, id)
	}
	return nil
}
