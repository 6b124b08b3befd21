// Package tilerange implements the tile-range builder (spec.md component
// C5): given the radix-sorted (tile_id‖depth, gaussian_index) stream from
// internal/gpu/radixsort, it produces, for every tile, the [start,end)
// slice of that stream belonging to it.
package tilerange

import "github.com/cwbudde/gsplatforge/internal/gpu/tilekey"

// Sentinel marks a tile with no contributors in BuildReference's offsets
// array before the fill pass runs (spec.md §4.5).
const Sentinel = ^uint32(0)

// BuildReference computes tile_offsets for numTiles tiles from a sorted
// key stream: tile_offsets[t] is the index of the first sorted entry
// belonging to tile t, or Sentinel if tile t has none; tile_offsets[numTiles]
// is the terminator, equal to len(sortedKeys) (spec.md §4.5). It is the
// host-side oracle for the GPU atomicMin + fill kernel pair.
func BuildReference(sortedKeys []uint32, numTiles int) []uint32 {
	offsets := make([]uint32, numTiles+1)
	for i := range offsets {
		offsets[i] = Sentinel
	}
	offsets[numTiles] = uint32(len(sortedKeys))

	for s, key := range sortedKeys {
		tile := tilekey.TileID(key)
		if tile < 0 || tile >= numTiles {
			continue
		}
		if uint32(s) < offsets[tile] {
			offsets[tile] = uint32(s)
		}
	}

	// Fill pass: a tile with no direct contributor inherits the start of
	// the next tile that does have one, so Range(t) reports an empty slice
	// rather than spanning into an unrelated tile's entries.
	next := offsets[numTiles]
	for t := numTiles - 1; t >= 0; t-- {
		if offsets[t] == Sentinel {
			offsets[t] = next
		} else {
			next = offsets[t]
		}
	}
	return offsets
}

// Range returns the [start,end) slice of the sorted stream belonging to
// tile t, given the offsets BuildReference produced.
func Range(offsets []uint32, t int) (start, end uint32) {
	return offsets[t], offsets[t+1]
}
