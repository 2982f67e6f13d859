package car

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xdao.co/w3car/cidutil"
)

func mustBlock(t *testing.T, s string) Block {
	t.Helper()
	id, err := cidutil.RawCID([]byte(s))
	require.NoError(t, err)
	return Block{CID: id, Data: []byte(s)}
}

func TestEncode_HeaderShape(t *testing.T) {
	blk := mustBlock(t, "hello world")
	out, err := Encode([]cid.Cid{blk.CID}, []Block{blk})
	require.NoError(t, err)

	size, n, err := varint.FromUvarint(out)
	require.NoError(t, err)
	body := out[n : n+int(size)]

	// map(2) {"roots": [...], "version": 1}
	assert.Equal(t, byte(0xa2), body[0])
	assert.Equal(t, append([]byte{0x65}, "roots"...), body[1:7])
	assert.Equal(t, byte(0x81), body[7], "one-element array")
	assert.Equal(t, []byte{0xd8, 0x2a}, body[8:10], "tag 42")
	assert.True(t, bytes.HasSuffix(body, append(append([]byte{0x67}, "version"...), 0x01)))
}

func TestEncode_RoundTrip(t *testing.T) {
	a, b, c := mustBlock(t, "a"), mustBlock(t, "bb"), mustBlock(t, "ccc")
	in := []Block{a, b, c}
	out, err := Encode([]cid.Cid{c.CID}, in)
	require.NoError(t, err)

	h, blocks, err := Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.Version)
	require.Len(t, h.Roots, 1)
	assert.True(t, h.Roots[0].Equals(c.CID))
	require.Len(t, blocks, 3)
	for i := range in {
		assert.True(t, blocks[i].CID.Equals(in[i].CID))
		assert.Equal(t, in[i].Data, blocks[i].Data)
	}
}

func TestEncode_EmptyBlock(t *testing.T) {
	empty := mustBlock(t, "")
	out, err := Encode([]cid.Cid{empty.CID}, []Block{empty})
	require.NoError(t, err)

	h, count, err := Verify(bytes.NewReader(out), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, h.Roots[0].Equals(empty.CID))
}

func TestEncode_NoDedupAndNoMutation(t *testing.T) {
	a := mustBlock(t, "a")
	in := []Block{a, a}
	snapshot := append([]Block(nil), in...)

	out, err := Encode([]cid.Cid{a.CID}, in)
	require.NoError(t, err)
	_, blocks, err := Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Len(t, blocks, 2)
	assert.Equal(t, snapshot, in)
}

func TestEncode_OrderChangesBytes(t *testing.T) {
	a, b := mustBlock(t, "a"), mustBlock(t, "b")
	x, err := Encode([]cid.Cid{a.CID}, []Block{a, b})
	require.NoError(t, err)
	y, err := Encode([]cid.Cid{a.CID}, []Block{b, a})
	require.NoError(t, err)
	assert.Equal(t, len(x), len(y))
	assert.NotEqual(t, x, y)
}

func TestEncode_RejectsMissingRoots(t *testing.T) {
	_, err := Encode(nil, nil)
	assert.ErrorIs(t, err, ErrNoRoots)

	_, err = Encode([]cid.Cid{cid.Undef}, nil)
	assert.ErrorIs(t, err, ErrUndefinedCID)
}

func TestVerify_DetectsCorruptData(t *testing.T) {
	blk := mustBlock(t, "payload bytes")
	out, err := Encode([]cid.Cid{blk.CID}, []Block{blk})
	require.NoError(t, err)

	out[len(out)-1] ^= 0x01
	_, _, err = Verify(bytes.NewReader(out), nil)
	assert.Error(t, err)
}

func TestReader_Truncated(t *testing.T) {
	blk := mustBlock(t, "payload bytes")
	out, err := Encode([]cid.Cid{blk.CID}, []Block{blk})
	require.NoError(t, err)

	_, _, err = Decode(bytes.NewReader(out[:len(out)-3]))
	assert.ErrorIs(t, err, ErrInvalidSection)

	_, err = NewReader(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

type failingWriter struct{ err error }

func (f failingWriter) Write([]byte) (int, error) { return 0, f.err }

func TestWriter_PropagatesWriteError(t *testing.T) {
	boom := errors.New("disk full")
	blk := mustBlock(t, "x")
	_, err := NewWriter(failingWriter{boom}, []cid.Cid{blk.CID})
	assert.ErrorIs(t, err, boom)
}

func TestWriter_MatchesEncode(t *testing.T) {
	blk := mustBlock(t, "abc")
	var buf bytes.Buffer
	w, err := NewWriter(&buf, []cid.Cid{blk.CID})
	require.NoError(t, err)
	require.NoError(t, w.Put(blk.CID, blk.Data))

	want, err := Encode([]cid.Cid{blk.CID}, []Block{blk})
	require.NoError(t, err)
	assert.Equal(t, want, buf.Bytes())
}

func TestVerify_VisitsSectionsInOrder(t *testing.T) {
	a, b := mustBlock(t, "a"), mustBlock(t, "b")
	out, err := Encode([]cid.Cid{a.CID}, []Block{a, b})
	require.NoError(t, err)

	var seen []cid.Cid
	_, count, err := Verify(bytes.NewReader(out), func(blk Block) error {
		seen = append(seen, blk.CID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, []cid.Cid{a.CID, b.CID}, seen)

	stop := errors.New("stop")
	_, count, err = Verify(bytes.NewReader(out), func(Block) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 0, count)
}
