package unixfs

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"google.golang.org/protobuf/encoding/protowire"
)

// UnixFS node types (unixfs.proto Data.DataType).
const (
	TypeDirectory uint64 = 1
	TypeFile      uint64 = 2
)

// Link is a dag-pb PBLink.
type Link struct {
	CID   cid.Cid
	Name  string
	Tsize uint64
}

// Node is a decoded dag-pb PBNode.
type Node struct {
	Links []Link
	Data  []byte
}

// FSData is the UnixFS payload carried in a dag-pb node's Data field.
type FSData struct {
	Type       uint64
	Data       []byte
	FileSize   uint64
	HasSize    bool
	BlockSizes []uint64
}

// encodeNode writes a PBNode in canonical dag-pb form: links first, then data.
func encodeNode(links []Link, data []byte) []byte {
	var b []byte
	for _, l := range links {
		var lb []byte
		lb = protowire.AppendTag(lb, 1, protowire.BytesType)
		lb = protowire.AppendBytes(lb, l.CID.Bytes())
		lb = protowire.AppendTag(lb, 2, protowire.BytesType)
		lb = protowire.AppendString(lb, l.Name)
		lb = protowire.AppendTag(lb, 3, protowire.VarintType)
		lb = protowire.AppendVarint(lb, l.Tsize)

		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, lb)
	}
	if data != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, data)
	}
	return b
}

func encodeFSData(d FSData) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, d.Type)
	if d.Data != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, d.Data)
	}
	if d.HasSize {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, d.FileSize)
	}
	// proto2 repeated scalars are unpacked.
	for _, s := range d.BlockSizes {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, s)
	}
	return b
}

// DecodeNode parses a dag-pb block.
func DecodeNode(b []byte) (Node, error) {
	var n Node
	for len(b) > 0 {
		num, typ, tl := protowire.ConsumeTag(b)
		if tl < 0 {
			return Node{}, fmt.Errorf("unixfs: dag-pb tag: %w", protowire.ParseError(tl))
		}
		b = b[tl:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, vl := protowire.ConsumeBytes(b)
			if vl < 0 {
				return Node{}, fmt.Errorf("unixfs: dag-pb data: %w", protowire.ParseError(vl))
			}
			n.Data = append([]byte{}, v...)
			b = b[vl:]
		case num == 2 && typ == protowire.BytesType:
			v, vl := protowire.ConsumeBytes(b)
			if vl < 0 {
				return Node{}, fmt.Errorf("unixfs: dag-pb link: %w", protowire.ParseError(vl))
			}
			l, err := decodeLink(v)
			if err != nil {
				return Node{}, err
			}
			n.Links = append(n.Links, l)
			b = b[vl:]
		default:
			return Node{}, fmt.Errorf("unixfs: unexpected dag-pb field %d", num)
		}
	}
	return n, nil
}

func decodeLink(b []byte) (Link, error) {
	var l Link
	for len(b) > 0 {
		num, typ, tl := protowire.ConsumeTag(b)
		if tl < 0 {
			return Link{}, fmt.Errorf("unixfs: link tag: %w", protowire.ParseError(tl))
		}
		b = b[tl:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, vl := protowire.ConsumeBytes(b)
			if vl < 0 {
				return Link{}, protowire.ParseError(vl)
			}
			id, err := cid.Cast(v)
			if err != nil {
				return Link{}, fmt.Errorf("unixfs: link hash: %w", err)
			}
			l.CID = id
			b = b[vl:]
		case num == 2 && typ == protowire.BytesType:
			v, vl := protowire.ConsumeBytes(b)
			if vl < 0 {
				return Link{}, protowire.ParseError(vl)
			}
			l.Name = string(v)
			b = b[vl:]
		case num == 3 && typ == protowire.VarintType:
			v, vl := protowire.ConsumeVarint(b)
			if vl < 0 {
				return Link{}, protowire.ParseError(vl)
			}
			l.Tsize = v
			b = b[vl:]
		default:
			return Link{}, fmt.Errorf("unixfs: unexpected link field %d", num)
		}
	}
	if !l.CID.Defined() {
		return Link{}, fmt.Errorf("unixfs: link without hash")
	}
	return l, nil
}

// DecodeFSData parses the UnixFS Data message of a dag-pb node.
func DecodeFSData(b []byte) (FSData, error) {
	var d FSData
	for len(b) > 0 {
		num, typ, tl := protowire.ConsumeTag(b)
		if tl < 0 {
			return FSData{}, fmt.Errorf("unixfs: data tag: %w", protowire.ParseError(tl))
		}
		b = b[tl:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, vl := protowire.ConsumeVarint(b)
			if vl < 0 {
				return FSData{}, protowire.ParseError(vl)
			}
			d.Type = v
			b = b[vl:]
		case num == 2 && typ == protowire.BytesType:
			v, vl := protowire.ConsumeBytes(b)
			if vl < 0 {
				return FSData{}, protowire.ParseError(vl)
			}
			d.Data = append([]byte{}, v...)
			b = b[vl:]
		case num == 3 && typ == protowire.VarintType:
			v, vl := protowire.ConsumeVarint(b)
			if vl < 0 {
				return FSData{}, protowire.ParseError(vl)
			}
			d.FileSize, d.HasSize = v, true
			b = b[vl:]
		case num == 4 && typ == protowire.VarintType:
			v, vl := protowire.ConsumeVarint(b)
			if vl < 0 {
				return FSData{}, protowire.ParseError(vl)
			}
			d.BlockSizes = append(d.BlockSizes, v)
			b = b[vl:]
		default:
			// Skip fields this package never writes (hashType, fanout, mode, mtime).
			vl := protowire.ConsumeFieldValue(num, typ, b)
			if vl < 0 {
				return FSData{}, protowire.ParseError(vl)
			}
			b = b[vl:]
		}
	}
	return d, nil
}
