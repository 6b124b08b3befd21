// Package tilekey implements the pure host-side algebra of spec.md §3's
// tile key: the u32 sort key that groups splats by screen tile and orders
// them front-to-back within a tile. It is shared by the forward preprocess
// (C4, which emits keys), the radix sorter (C3, which sorts them), and the
// tile-range builder (C5, which decodes them) so the three kernel packages
// agree on one bit layout instead of each re-deriving it.
package tilekey

import "math"

// NoTile is the reserved tile-id+1 value meaning "does not belong to any
// tile" (spec.md §3). A key decoding to NoTile is dropped by C5.
const NoTile = 0

// OrderDepth maps a finite float32 view-space depth to a u32 such that
// increasing depth maps to increasing u32 (spec.md §3, testable property 2).
// This is the standard sign-flip re-encoding: flip all bits if negative,
// else set the sign bit.
func OrderDepth(depth float32) uint32 {
	bits := math.Float32bits(depth)
	if bits&0x80000000 != 0 {
		return ^bits
	}
	return bits | 0x80000000
}

// Encode packs a tile id and view-space depth into a sortable u32 key:
// high 16 bits are tile_id+1 (0 reserved for "no tile"), low 16 bits are
// the high 16 bits of OrderDepth(depth) (spec.md §3).
func Encode(tileID int, depth float32) uint32 {
	ordered := OrderDepth(depth)
	depthHigh16 := ordered >> 16
	return uint32(tileID+1)<<16 | depthHigh16
}

// TileID extracts the tile id from a key, or -1 if the key is NoTile.
func TileID(key uint32) int {
	high := key >> 16
	if high == NoTile {
		return -1
	}
	return int(high) - 1
}

// DepthHigh16 extracts the low 16 bits of a key (the quantized depth used
// for the within-tile ordering).
func DepthHigh16(key uint32) uint16 {
	return uint16(key & 0xffff)
}
