package types

const (
	// UInt64Length is the number of bytes taken by uint64.
	UInt64Length = 8

	// NumOfChildren is the number of children of split node.
	NumOfChildren = 8

	// RecordLength is the number of bytes taken by a record.
	RecordLength = 8

	// BlockLength is the number of bytes taken by a block.
	BlockLength = NumOfChildren * RecordLength

	// MaxDepth is the maximum depth of the tree. Slot indices are 32-bit so fully split tree of depth 11 would
	// not fit.
	MaxDepth = 10
)

type (
	// SlotIndex is the index of the block in the pool.
	SlotIndex uint32

	// NodeIndex is the flat index of the record in the pool.
	NodeIndex uint64

	// Material is the value stored in the voxel.
	Material uint32

	// Octant is the index of child inside the block.
	Octant uint8
)

const (
	// RootSlot is the slot where root block is stored.
	RootSlot SlotIndex = 0

	// RootNode is the index of the root record.
	RootNode NodeIndex = 0

	// NoChildren marks uniform node. Root slot is never used as children block so 0 is free to be a sentinel.
	NoChildren SlotIndex = 0

	// Air is the empty material.
	Air Material = 0
)

// Record stores single node of the tree.
type Record struct {
	Children SlotIndex
	Value    Material
}

// IsUniform returns true if node has no children.
func (r Record) IsUniform() bool {
	return r.Children == NoChildren
}

// Block stores children of one split node.
type Block [NumOfChildren]Record

// Node returns index of the record stored in the slot under octant.
func Node(slot SlotIndex, octant Octant) NodeIndex {
	return NodeIndex(slot)*NumOfChildren + NodeIndex(octant)
}

// Slot returns slot containing the node.
func (n NodeIndex) Slot() SlotIndex {
	return SlotIndex(n / NumOfChildren)
}

// Octant returns position of the node inside its slot.
func (n NodeIndex) Octant() Octant {
	return Octant(n % NumOfChildren)
}

// OctantOf returns the octant selected by the bits of coordinates.
func OctantOf(x, y, z uint32) Octant {
	return Octant(x | y<<1 | z<<2)
}
