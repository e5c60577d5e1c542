package value

import (
	"path/filepath"
	"testing"

	"github.com/shelfdb/shelfdb/chunkfile"
)

func openTestFile(t *testing.T) *chunkfile.File {
	t.Helper()
	dir := t.TempDir()
	f, err := chunkfile.Open(filepath.Join(dir, "data.jb"), chunkfile.Policy{
		ChunkSize: 32, BloomSize: 16, BloomFnCount: 2, BloomPrecision: 2, ReaderNumber: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestInlineKindsRoundTripWithoutChunkIO(t *testing.T) {
	cases := []Value{
		Uint32(42),
		Uint64(1 << 40),
		Float32(3.5),
		Float64(2.71828),
	}
	for _, v := range cases {
		pv, err := Pack(nil, v) // no transaction needed for inline kinds
		if err != nil {
			t.Fatalf("Pack(%+v): %v", v, err)
		}
		if pv.Kind.IsBlob() {
			t.Fatalf("%+v: expected inline kind", v)
		}
		got, err := Unpack(nil, pv)
		if err != nil {
			t.Fatal(err)
		}
		if !valuesEqual(got, v) {
			t.Fatalf("round-trip mismatch: got %+v, want %+v", got, v)
		}
	}
}

func TestBlobKindsRoundTripThroughChunkFile(t *testing.T) {
	f := openTestFile(t)
	cases := []Value{
		String("hello, world"),
		Bytes([]byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03}),
		WideString([]uint16{'h', 'i', 0x4e2d, 0x6587}), // includes non-ASCII code points
	}
	for _, v := range cases {
		tx, err := f.OpenTransaction()
		if err != nil {
			t.Fatal(err)
		}
		pv, err := Pack(tx, v)
		if err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
		if !pv.Kind.IsBlob() {
			t.Fatalf("%+v: expected blob kind", v)
		}

		got, err := Unpack(f, pv)
		if err != nil {
			t.Fatal(err)
		}
		if !valuesEqual(got, v) {
			t.Fatalf("round-trip mismatch: got %+v, want %+v", got, v)
		}
	}
}

func TestRepackPreservesBlobUid(t *testing.T) {
	f := openTestFile(t)

	tx, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	original, err := Pack(tx, String("short"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, err := f.OpenTransaction()
	if err != nil {
		t.Fatal(err)
	}
	updated, err := Repack(tx2, original, String("a considerably longer replacement value"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tx2.Commit(); err != nil {
		t.Fatal(err)
	}

	if updated.Payload != original.Payload {
		t.Fatalf("Repack changed the blob UID: %d -> %d", original.Payload, updated.Payload)
	}

	got, err := Unpack(f, updated)
	if err != nil {
		t.Fatal(err)
	}
	if got.Str != "a considerably longer replacement value" {
		t.Fatalf("got %q", got.Str)
	}
}

func valuesEqual(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindString:
		return a.Str == b.Str
	case KindBytes:
		return string(a.Bytes) == string(b.Bytes)
	case KindWideString:
		if len(a.Wide) != len(b.Wide) {
			return false
		}
		for i := range a.Wide {
			if a.Wide[i] != b.Wide[i] {
				return false
			}
		}
		return true
	default:
		return a.U32 == b.U32 && a.U64 == b.U64 && a.F32 == b.F32 && a.F64 == b.F64
	}
}
