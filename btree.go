package simpledb

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// BTree is a concurrent B+tree over fixed-size uint64 keys and values
// within a single segment. Descents couple latches parent to child and
// hold at most two page latches at a time; inserts descend optimistically
// with shared latches and retry exclusively when they meet a full node.
// Erase never merges, so the tree only grows.
type BTree struct {
	Segment

	root       atomic.Uint64
	nodeCount  atomic.Uint64
	treeHeight atomic.Uint32

	cmp Comparator
}

// NewBTree creates a tree whose nodes live in segmentID, initialized with
// a single empty leaf as root.
func NewBTree(segmentID uint16, bm *BufferManager) (*BTree, error) {
	t := &BTree{
		Segment: Segment{segmentID: segmentID, bm: bm},
		cmp:     CompareUint64,
	}

	pid := t.createNewNode()
	frame, err := bm.FixPage(pid, true)
	if err != nil {
		return nil, err
	}
	initLeafNode(frame.Data())

	t.root.Store(pid)
	t.treeHeight.Store(1)

	bm.UnfixPage(frame, true)
	return t, nil
}

// OpenBTree resumes a tree persisted in segmentID from its saved root,
// node count and height.
func OpenBTree(segmentID uint16, bm *BufferManager, root, nodeCount uint64, height uint32) *BTree {
	t := &BTree{
		Segment: Segment{segmentID: segmentID, bm: bm},
		cmp:     CompareUint64,
	}
	t.root.Store(root)
	t.nodeCount.Store(nodeCount)
	t.treeHeight.Store(height)
	return t
}

// NodeCount returns the number of pages minted by the tree so far.
func (t *BTree) NodeCount() uint64 {
	return t.nodeCount.Load()
}

// Root returns the current root page id.
func (t *BTree) Root() uint64 {
	return t.root.Load()
}

// Height returns the current tree height; 1 means the root is a leaf.
func (t *BTree) Height() int {
	return int(t.treeHeight.Load())
}

// createNewNode mints a fresh page id within the tree's segment.
func (t *BTree) createNewNode() uint64 {
	return NewPageID(t.segmentID, t.nodeCount.Add(1)-1)
}

// growRoot installs a new inner root over two children and returns its
// frame, still fixed exclusively. The new root pid is published last so
// concurrent descents re-validating the root cannot reach a stale
// disconnected subtree.
func (t *BTree) growRoot(level uint16, sepKey, leftChild, rightChild uint64) (*BufferFrame, error) {
	pid := t.createNewNode()
	frame, err := t.bm.FixPage(pid, true)
	if err != nil {
		return nil, err
	}

	newRoot := initInnerNode(frame.Data(), level)
	newRoot.Count = 2
	newRoot.Keys[0] = sepKey
	newRoot.Children[0] = leftChild
	newRoot.Children[1] = rightChild

	t.treeHeight.Add(1)
	t.root.Store(pid)
	log.Debugf("btree segment %d: root grown to level %d, pid %d", t.segmentID, level, pid)

	return frame, nil
}

// Lookup searches the tree for key and returns its value.
func (t *BTree) Lookup(key uint64) (uint64, bool, error) {
	for {
		rootPid := t.root.Load()
		current, err := t.bm.FixPage(rootPid, false)
		if err != nil {
			return 0, false, err
		}
		if t.root.Load() != rootPid {
			// root changed -> restart
			t.bm.UnfixPage(current, false)
			continue
		}

		var parent *BufferFrame
		for !nodeOf(current.Data()).IsLeaf() {
			inner := innerNodeOf(current.Data())

			pos, _ := inner.LowerBound(key, t.cmp)
			childPid := inner.Children[pos]

			// move down
			if parent != nil {
				t.bm.UnfixPage(parent, false)
			}
			parent = current
			current, err = t.bm.FixPage(childPid, false)
			if err != nil {
				t.bm.UnfixPage(parent, false)
				return 0, false, err
			}
		}

		leaf := leafNodeOf(current.Data())
		pos, found := leaf.LowerBound(key, t.cmp)

		var value uint64
		if found {
			value = leaf.Values[pos]
		}

		if parent != nil {
			t.bm.UnfixPage(parent, false)
		}
		t.bm.UnfixPage(current, false)

		return value, found, nil
	}
}

// Erase removes key from the tree. The leaf is latched exclusively; inner
// nodes are traversed with shared latches. Empty leaves stay reachable
// from their parent.
func (t *BTree) Erase(key uint64) error {
	for {
		rootPid := t.root.Load()
		current, err := t.bm.FixPage(rootPid, t.treeHeight.Load() == 1)
		if err != nil {
			return err
		}
		if t.root.Load() != rootPid {
			// root changed -> restart
			t.bm.UnfixPage(current, false)
			continue
		}

		var parent *BufferFrame
		for !nodeOf(current.Data()).IsLeaf() {
			inner := innerNodeOf(current.Data())

			pos, _ := inner.LowerBound(key, t.cmp)
			childPid := inner.Children[pos]

			// move down, fixing the leaf exclusively
			if parent != nil {
				t.bm.UnfixPage(parent, false)
			}
			parent = current
			current, err = t.bm.FixPage(childPid, inner.Level == 1)
			if err != nil {
				t.bm.UnfixPage(parent, false)
				return err
			}
		}

		leaf := leafNodeOf(current.Data())
		erased := leaf.Erase(key, t.cmp)

		if parent != nil {
			t.bm.UnfixPage(parent, false)
		}
		t.bm.UnfixPage(current, erased)

		return nil
	}
}

// Insert puts a key/value pair into the tree, overwriting the value when
// the key is already present. Nodes are split in place on the way down;
// after any split the whole operation restarts from the (possibly new)
// root.
func (t *BTree) Insert(key, value uint64) error {
	exclusive := false

restart:
	for {
		var parent *BufferFrame

		currentPid := t.root.Load()
		current, err := t.bm.FixPage(currentPid, exclusive || t.treeHeight.Load() == 1)
		if err != nil {
			return err
		}
		if t.root.Load() != currentPid {
			// root changed -> restart
			t.bm.UnfixPage(current, false)
			continue restart
		}

		for !nodeOf(current.Data()).IsLeaf() {
			inner := innerNodeOf(current.Data())

			if !inner.HasSpace() {
				// we have to split
				if !exclusive {
					// we are not exclusive -> restart
					t.bm.UnfixPage(current, false)
					if parent != nil {
						t.bm.UnfixPage(parent, false)
					}
					exclusive = true
					continue restart
				}

				rightPid := t.createNewNode()
				rightFrame, err := t.bm.FixPage(rightPid, true)
				if err != nil {
					t.bm.UnfixPage(current, false)
					if parent != nil {
						t.bm.UnfixPage(parent, false)
					}
					return err
				}
				splitKey := inner.Split(innerNodeOf(rightFrame.Data()))

				if parent != nil {
					// insert split key into the parent
					innerNodeOf(parent.Data()).InsertSplit(splitKey, rightPid, t.cmp)
				} else {
					// no parent -> grow root
					parent, err = t.growRoot(inner.Level+1, splitKey, currentPid, rightPid)
					if err != nil {
						t.bm.UnfixPage(rightFrame, true)
						t.bm.UnfixPage(current, true)
						return err
					}
				}

				t.bm.UnfixPage(rightFrame, true)
				t.bm.UnfixPage(current, true)
				t.bm.UnfixPage(parent, true)

				// restart again without exclusive
				exclusive = false
				continue restart
			}

			pos, _ := inner.LowerBound(key, t.cmp)
			childPid := inner.Children[pos]

			// move down
			if parent != nil {
				t.bm.UnfixPage(parent, false)
			}
			parent = current
			current, err = t.bm.FixPage(childPid, exclusive || inner.Level == 1)
			if err != nil {
				t.bm.UnfixPage(parent, false)
				return err
			}
			currentPid = childPid
		}

		leaf := leafNodeOf(current.Data())

		if !leaf.HasSpace() {
			// we have to split
			if !exclusive {
				// we are not exclusive -> restart
				t.bm.UnfixPage(current, false)
				if parent != nil {
					t.bm.UnfixPage(parent, false)
				}
				exclusive = true
				continue restart
			}

			rightPid := t.createNewNode()
			rightFrame, err := t.bm.FixPage(rightPid, true)
			if err != nil {
				t.bm.UnfixPage(current, false)
				if parent != nil {
					t.bm.UnfixPage(parent, false)
				}
				return err
			}
			splitKey := leaf.Split(initLeafNode(rightFrame.Data()))

			if parent != nil {
				// insert split key into the parent
				innerNodeOf(parent.Data()).InsertSplit(splitKey, rightPid, t.cmp)
			} else {
				// no parent -> grow root
				parent, err = t.growRoot(leaf.Level+1, splitKey, currentPid, rightPid)
				if err != nil {
					t.bm.UnfixPage(rightFrame, true)
					t.bm.UnfixPage(current, true)
					return err
				}
			}

			t.bm.UnfixPage(rightFrame, true)
			t.bm.UnfixPage(current, true)
			t.bm.UnfixPage(parent, true)

			// restart again without exclusive
			exclusive = false
			continue restart
		}

		leaf.Insert(key, value, t.cmp)

		t.bm.UnfixPage(current, true)
		if parent != nil {
			t.bm.UnfixPage(parent, false)
		}
		return nil
	}
}
