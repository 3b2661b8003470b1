// Package thread rebuilds reply trees from flat, chronologically ordered
// comment lists.
package thread

// Item is a flat entry: an identifier and an optional parent identifier.
type Item interface {
	ThreadID() string
	ThreadParentID() string
}

// Node is an item with its replies, in input order.
type Node[T Item] struct {
	Item    T
	Replies []*Node[T]
}

// Build links items into a forest. The first pass indexes every item by id;
// the second appends each item to its parent's replies when the parent is
// present, otherwise it becomes a root. Input order is preserved among
// siblings and roots, so callers pass items sorted by creation time.
func Build[T Item](items []T) []*Node[T] {
	nodes := make([]*Node[T], len(items))
	byID := make(map[string]*Node[T], len(items))
	for i, item := range items {
		node := &Node[T]{Item: item, Replies: []*Node[T]{}}
		nodes[i] = node
		if _, dup := byID[item.ThreadID()]; !dup {
			byID[item.ThreadID()] = node
		}
	}

	roots := make([]*Node[T], 0)
	for _, node := range nodes {
		parentID := node.Item.ThreadParentID()
		parent, ok := byID[parentID]
		if parentID == "" || !ok || parent == node {
			roots = append(roots, node)
			continue
		}
		parent.Replies = append(parent.Replies, node)
	}
	return roots
}

// Walk visits every node depth-first, parents before replies.
func Walk[T Item](roots []*Node[T], visit func(node *Node[T], depth int)) {
	var walk func(nodes []*Node[T], depth int)
	walk = func(nodes []*Node[T], depth int) {
		for _, node := range nodes {
			visit(node, depth)
			walk(node.Replies, depth+1)
		}
	}
	walk(roots, 0)
}
