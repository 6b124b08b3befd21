package tilekey

import (
	"math/rand"
	"sort"
	"testing"
)

func TestOrderDepthMonotonic(t *testing.T) {
	depths := []float32{-100, -1, -0.001, 0, 0.001, 1, 100, 1e30, -1e30}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		depths = append(depths, rng.Float32()*2000-1000)
	}

	sorted := append([]float32{}, depths...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for i := 1; i < len(sorted); i++ {
		a, b := sorted[i-1], sorted[i]
		if a == b {
			continue
		}
		if !(OrderDepth(a) < OrderDepth(b)) {
			t.Fatalf("OrderDepth not monotone: a=%v b=%v ordered(a)=%d ordered(b)=%d", a, b, OrderDepth(a), OrderDepth(b))
		}
	}
}

func TestTileKeyGroupsAndOrders(t *testing.T) {
	type entry struct {
		tile  int
		depth float32
	}
	entries := []entry{
		{2, 5.0}, {0, 1.0}, {1, 3.0}, {0, 0.5}, {2, 1.0}, {1, 2.0},
	}

	keys := make([]uint32, len(entries))
	for i, e := range entries {
		keys[i] = Encode(e.tile, e.depth)
	}
	idx := make([]int, len(keys))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return keys[idx[i]] < keys[idx[j]] })

	// Ascending keys must group by ascending tile id.
	lastTile := -1
	seenTiles := map[int]bool{}
	for _, i := range idx {
		tile := TileID(keys[i])
		if tile < lastTile {
			t.Fatalf("tiles out of order: %d after %d", tile, lastTile)
		}
		if tile != lastTile {
			if seenTiles[tile] {
				t.Fatalf("tile %d appeared in two separate runs", tile)
			}
			seenTiles[tile] = true
			lastTile = tile
		}
	}

	// Within tile 0, depth 0.5 must precede depth 1.0.
	var order []float32
	for _, i := range idx {
		if entries[i].tile == 0 {
			order = append(order, entries[i].depth)
		}
	}
	if len(order) != 2 || order[0] != 0.5 || order[1] != 1.0 {
		t.Fatalf("tile 0 contributors not depth-ordered: %v", order)
	}
}

func TestNoTileDecodes(t *testing.T) {
	if TileID(0) != -1 {
		t.Fatalf("key 0 must decode to no-tile")
	}
}
