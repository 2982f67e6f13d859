package pack

import (
	"bytes"
	"io"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xdao.co/w3car/car"
	"xdao.co/w3car/cidutil"
	"xdao.co/w3car/unixfs"
)

func TestFile_EmptyPayload(t *testing.T) {
	a, err := File(nil)
	require.NoError(t, err)

	h, blocks, err := car.Decode(a.Reader())
	require.NoError(t, err)
	require.Len(t, h.Roots, 1)
	require.Len(t, blocks, 1)
	assert.True(t, h.Roots[0].Equals(a.Root()))
	assert.Empty(t, blocks[0].Data)
	assert.Equal(t, 1, a.Blocks())
}

func TestFile_HelloWorld(t *testing.T) {
	a, err := File([]byte("hello world"))
	require.NoError(t, err)
	b, err := File([]byte("hello world"))
	require.NoError(t, err)

	assert.Equal(t, "bafkreifzjut3te2nhyekklss27nh3k72ysco7y32koao5eei66wof36n5e", cidutil.String(a.Root()))
	assert.True(t, a.Root().Equals(b.Root()))
	assert.True(t, a.CID().Equals(b.CID()))
	assert.NotEqual(t, cidutil.String(a.Root()), cidutil.String(a.CID()))
	assert.True(t, cidutil.IsArchive(a.CID()))
	assert.True(t, cidutil.IsDAG(a.Root()))
}

func TestFile_SizeMatchesBytes(t *testing.T) {
	a, err := File(bytes.Repeat([]byte{7}, 5000))
	require.NoError(t, err)
	assert.Equal(t, uint64(len(a.Bytes())), a.Size())

	var buf bytes.Buffer
	n, err := a.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(a.Size()), n)
}

func TestArchive_BitFlipChangesArchiveCID(t *testing.T) {
	a, err := File([]byte("hello world"))
	require.NoError(t, err)
	orig := a.Bytes()

	for i := range orig {
		mut := append([]byte(nil), orig...)
		mut[i] ^= 0x80
		id, err := cidutil.CARCID(mut)
		require.NoError(t, err)
		require.False(t, id.Equals(a.CID()), "flip at offset %d", i)
	}
}

func TestArchive_BytesIsACopy(t *testing.T) {
	a, err := File([]byte("immutable"))
	require.NoError(t, err)

	b := a.Bytes()
	b[0] ^= 0xff
	id, err := cidutil.CARCID(a.Bytes())
	require.NoError(t, err)
	assert.True(t, id.Equals(a.CID()))
}

func TestPacker_MultiBlockVerifies(t *testing.T) {
	p := Packer{Builder: unixfs.Builder{ChunkSize: 16, MaxLinks: 4}}
	payload := bytes.Repeat([]byte("0123456789abcdefXYZ"), 40)

	a, err := p.File(payload)
	require.NoError(t, err)
	assert.Greater(t, a.Blocks(), 1)

	rep, err := Verify(a.Reader())
	require.NoError(t, err)
	assert.True(t, rep.CID.Equals(a.CID()))
	assert.Equal(t, a.Size(), rep.Size)
	assert.Equal(t, a.Blocks(), rep.Blocks)
	require.Len(t, rep.Roots, 1)
	assert.True(t, rep.Roots[0].Equals(a.Root()))

	again, err := p.Reader(bytes.NewReader(payload))
	require.NoError(t, err)
	assert.True(t, again.CID().Equals(a.CID()))
}

func TestPacker_Directory(t *testing.T) {
	a, err := Packer{}.Directory([]unixfs.File{
		{Name: "certificate.pdf", Data: []byte("%PDF")},
		{Name: "metadata.json", Data: []byte("{}")},
	})
	require.NoError(t, err)
	assert.Equal(t, cidutil.CodecDagPB, a.Root().Prefix().Codec)

	_, err = Verify(a.Reader())
	require.NoError(t, err)
}

func TestVerify_RejectsOutOfOrderAndMissing(t *testing.T) {
	res, err := unixfs.Builder{ChunkSize: 4}.BuildFile([]byte("abcdefgh"))
	require.NoError(t, err)
	require.Len(t, res.Blocks, 3)

	toCAR := func(bs []unixfs.Block) []car.Block {
		out := make([]car.Block, len(bs))
		for i, b := range bs {
			out[i] = car.Block{CID: b.CID, Data: b.Data}
		}
		return out
	}

	// Root first: its links have not been seen yet.
	reordered := []unixfs.Block{res.Blocks[2], res.Blocks[0], res.Blocks[1]}
	data, err := car.Encode(rootsOf(res), toCAR(reordered))
	require.NoError(t, err)
	_, err = Verify(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrBlockOrder)

	// Root declared but absent.
	data, err = car.Encode(rootsOf(res), toCAR(res.Blocks[:2]))
	require.NoError(t, err)
	_, err = Verify(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrMissingBlock)

	// Same block twice.
	data, err = car.Encode(rootsOf(res), toCAR([]unixfs.Block{res.Blocks[0], res.Blocks[0]}))
	require.NoError(t, err)
	_, err = Verify(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrDuplicateBlock)
}

func rootsOf(res unixfs.Result) []cid.Cid { return []cid.Cid{res.Root} }

func TestPacker_Sized(t *testing.T) {
	p := Packer{Builder: unixfs.Builder{ChunkSize: 4}}
	a, err := p.Sized(bytes.NewReader([]byte("abcdefgh")), 8)
	require.NoError(t, err)
	b, err := p.File([]byte("abcdefgh"))
	require.NoError(t, err)
	assert.True(t, a.CID().Equals(b.CID()))

	_, err = p.Sized(bytes.NewReader([]byte("abc")), 8)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
