package cidutil

import (
	"testing"

	"github.com/ipfs/go-cid"
)

func TestRawCID_HelloWorldIsStable(t *testing.T) {
	const want = "bafkreifzjut3te2nhyekklss27nh3k72ysco7y32koao5eei66wof36n5e"
	for i := 0; i < 3; i++ {
		id, err := RawCID([]byte("hello world"))
		if err != nil {
			t.Fatal(err)
		}
		if got := String(id); got != want {
			t.Fatalf("run %d: got %s want %s", i, got, want)
		}
	}
}

func TestSum_CodecChangesIdentifier(t *testing.T) {
	data := []byte("same bytes")
	raw, err := RawCID(data)
	if err != nil {
		t.Fatal(err)
	}
	car, err := CARCID(data)
	if err != nil {
		t.Fatal(err)
	}
	if raw.Hash().String() != car.Hash().String() {
		t.Fatalf("expected identical digests over identical bytes")
	}
	if raw.Equals(car) || String(raw) == String(car) {
		t.Fatalf("raw and car identifiers must differ: %s", String(raw))
	}
	if !IsDAG(raw) || IsArchive(raw) {
		t.Fatalf("raw cid misclassified")
	}
	if !IsArchive(car) || IsDAG(car) {
		t.Fatalf("car cid misclassified")
	}
}

func TestString_RoundTripsThroughDecode(t *testing.T) {
	id, err := DagPBCID([]byte{0x0a, 0x02, 0x08, 0x01})
	if err != nil {
		t.Fatal(err)
	}
	s := String(id)
	if s[0] != 'b' {
		t.Fatalf("expected base32 multibase prefix, got %q", s)
	}
	back, err := cid.Decode(s)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !back.Equals(id) {
		t.Fatalf("decode mismatch")
	}
	if String(cid.Undef) != "" {
		t.Fatalf("undefined cid should render empty")
	}
}

func TestVerify(t *testing.T) {
	data := []byte("payload")
	id, err := RawCID(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := Verify(id, data); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := Verify(id, []byte("Payload")); err == nil {
		t.Fatalf("expected mismatch")
	}
	if err := Verify(cid.Undef, data); err == nil {
		t.Fatalf("expected error for undefined cid")
	}
}
