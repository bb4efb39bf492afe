package octree

import (
	"github.com/pkg/errors"

	"github.com/outofforest/voxtree/types"
)

// NewCursor creates cursor pointing to the root node and registers it in the tree.
func (t *Tree) NewCursor() *Cursor {
	c := t.massCursor.New()
	c.id = t.nextCursorID
	c.tree = t
	c.stack = append(c.stack[:0], types.RootNode)
	c.valid = true
	c.closing = false

	t.nextCursorID++
	t.cursors[c.id] = c
	return c
}

// Cursor is a resumable position in the tree. It keeps the path from the root in an explicit stack so it may
// descend and ascend without recursion.
// Any structural change freeing a block on the path invalidates the cursor.
type Cursor struct {
	id      uint64
	tree    *Tree
	stack   []types.NodeIndex
	valid   bool
	closing bool
}

// Valid tells if cursor may still be used.
func (c *Cursor) Valid() bool {
	return c.valid
}

// Node returns index of the current node.
func (c *Cursor) Node() types.NodeIndex {
	return c.stack[len(c.stack)-1]
}

// Layer returns layer of the current node.
func (c *Cursor) Layer() uint8 {
	return c.tree.depth - uint8(len(c.stack)-1)
}

// Record returns record of the current node.
func (c *Cursor) Record() (types.Record, error) {
	if !c.valid {
		return types.Record{}, errors.New("cursor is invalid")
	}
	return c.tree.Record(c.Node()), nil
}

// Descend moves cursor to the child of the current node.
func (c *Cursor) Descend(o types.Octant) error {
	if !c.valid {
		return errors.New("cursor is invalid")
	}
	if o >= types.NumOfChildren {
		return errors.Errorf("invalid octant %d", o)
	}
	r := c.tree.Record(c.Node())
	if r.IsUniform() {
		return errors.Errorf("node %d is uniform", c.Node())
	}

	c.stack = append(c.stack, types.Node(r.Children, o))
	return nil
}

// Ascend moves cursor to the parent of the current node.
func (c *Cursor) Ascend() error {
	if !c.valid {
		return errors.New("cursor is invalid")
	}
	if len(c.stack) == 1 {
		return errors.New("cursor is at the root")
	}

	c.stack = c.stack[:len(c.stack)-1]
	return nil
}

// Split splits the current node.
func (c *Cursor) Split(mode SplitMode) error {
	if !c.valid {
		return errors.New("cursor is invalid")
	}
	if c.Layer() == 0 {
		return errors.New("node at layer 0 can't be split")
	}
	return c.tree.Split(c.Node(), mode)
}

// Set sets the current node to uniform value. Ancestors are updated the same way SetVoxelAtLayer does it.
// If any of them collapses, cursor moves up to the highest collapsed one.
func (c *Cursor) Set(v types.Material) error {
	if !c.valid {
		return errors.New("cursor is invalid")
	}

	n := c.Node()
	if r := c.tree.Record(n); r.IsUniform() && r.Value == v {
		return nil
	}

	c.tree.mutator = c
	defer func() {
		c.tree.mutator = nil
	}()

	c.tree.freeSubtree(n)
	*c.tree.record(n) = types.Record{Value: v}
	c.stack = c.stack[:c.tree.propagate(c.stack[:len(c.stack)-1])+1]
	return nil
}

// Close deregisters cursor from the tree.
func (c *Cursor) Close() {
	if c.closing {
		return
	}
	c.closing = true
	c.valid = false
	delete(c.tree.cursors, c.id)
}

func (c *Cursor) notifyFreed(slot types.SlotIndex) {
	if c.closing || !c.valid {
		return
	}
	for _, n := range c.stack[1:] {
		if n.Slot() == slot {
			c.valid = false
			return
		}
	}
}

func (c *Cursor) invalidate() {
	if c.closing {
		return
	}
	c.valid = false
}
