package tilerange

import (
	"testing"

	"github.com/cwbudde/gsplatforge/internal/gpu/tilekey"
)

func TestBuildReferenceGroupsByTile(t *testing.T) {
	// tile 0: depths 1,2 ; tile 2: depth 5 ; tile 1 empty.
	keys := []uint32{
		tilekey.Encode(0, 1),
		tilekey.Encode(0, 2),
		tilekey.Encode(2, 5),
	}
	offsets := BuildReference(keys, 3)

	start0, end0 := Range(offsets, 0)
	if start0 != 0 || end0 != 2 {
		t.Fatalf("tile 0 range = [%d,%d), want [0,2)", start0, end0)
	}
	start1, end1 := Range(offsets, 1)
	if start1 != end1 {
		t.Fatalf("tile 1 should be empty, got [%d,%d)", start1, end1)
	}
	start2, end2 := Range(offsets, 2)
	if start2 != 2 || end2 != 3 {
		t.Fatalf("tile 2 range = [%d,%d), want [2,3)", start2, end2)
	}
}

func TestBuildReferenceAllEmpty(t *testing.T) {
	offsets := BuildReference(nil, 4)
	for t2 := 0; t2 < 4; t2++ {
		start, end := Range(offsets, t2)
		if start != end {
			t.Fatalf("tile %d should be empty", t2)
		}
	}
}

func TestBuildReferenceTerminator(t *testing.T) {
	keys := []uint32{tilekey.Encode(0, 0), tilekey.Encode(1, 0), tilekey.Encode(1, 1)}
	offsets := BuildReference(keys, 2)
	if offsets[2] != uint32(len(keys)) {
		t.Fatalf("terminator = %d, want %d", offsets[2], len(keys))
	}
}
