package pipeline

// Voxels of each layer are stored in Morton order, so children of node n are stored under indexes 8n to 8n+7 of
// the layer below and the lowest 3 bits of the index form the octant.

func expand3(v uint64) uint64 {
	v &= 0x1fffff
	v = (v | v<<32) & 0x1f00000000ffff
	v = (v | v<<16) & 0x1f0000ff0000ff
	v = (v | v<<8) & 0x100f00f00f00f00f
	v = (v | v<<4) & 0x10c30c30c30c30c3
	v = (v | v<<2) & 0x1249249249249249
	return v
}

func compact3(v uint64) uint64 {
	v &= 0x1249249249249249
	v = (v ^ v>>2) & 0x10c30c30c30c30c3
	v = (v ^ v>>4) & 0x100f00f00f00f00f
	v = (v ^ v>>8) & 0x1f0000ff0000ff
	v = (v ^ v>>16) & 0x1f00000000ffff
	v = (v ^ v>>32) & 0x1fffff
	return v
}

func mortonEncode(x, y, z uint32) uint64 {
	return expand3(uint64(x)) | expand3(uint64(y))<<1 | expand3(uint64(z))<<2
}

func mortonDecode(m uint64) (uint32, uint32, uint32) {
	return uint32(compact3(m)), uint32(compact3(m >> 1)), uint32(compact3(m >> 2))
}
