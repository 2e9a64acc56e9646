package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/viant/regula/model"
)

// ErrCycle indicates that a rule's ancestor chain revisits itself.  The data
// model forbids cycles at write time, but the builder must not assume this
// holds for externally restored data.
var ErrCycle = errors.New("rule cycle detected")

type (
	// Node wraps a rule within the dependency forest.
	Node struct {
		Rule     *model.Rule
		Parent   *Node
		Children []*Node

		// Depth is 0 for roots; each child is parent depth + 1.
		Depth int

		// Root points at the node's top-level ancestor (itself for roots);
		// used for cluster-scoped skip propagation.
		Root *Node
	}

	// Forest is the in-memory dependency forest keyed by rule identity.
	// All rules at depth d become eligible only after their direct parent at
	// depth d-1 completed; siblings carry no relative ordering guarantee.
	Forest struct {
		nodes  map[string]*Node
		roots  []*Node
		levels [][]*Node
	}
)

// Build constructs a forest from the supplied rule set.  A rule whose parent
// is missing from the set (unknown, deleted or out of scope) becomes a root.
// Returns ErrCycle when a parent chain loops.
func Build(rules []*model.Rule) (*Forest, error) {
	forest := &Forest{nodes: make(map[string]*Node, len(rules))}
	for _, rule := range rules {
		if rule == nil || rule.ID == "" {
			continue
		}
		forest.nodes[rule.ID] = &Node{Rule: rule}
	}

	for _, node := range forest.nodes {
		parentID := node.Rule.ParentID
		if parentID == "" {
			continue
		}
		parent, ok := forest.nodes[parentID]
		if !ok {
			continue // parent out of scope - node is treated as a root
		}
		node.Parent = parent
		parent.Children = append(parent.Children, node)
	}

	if err := forest.assignDepth(); err != nil {
		return nil, err
	}
	forest.index()
	return forest, nil
}

// assignDepth walks each node's ancestor chain, detecting cycles.
func (f *Forest) assignDepth() error {
	depths := make(map[string]int, len(f.nodes))

	var resolve func(node *Node, onPath map[string]bool) (int, error)
	resolve = func(node *Node, onPath map[string]bool) (int, error) {
		id := node.Rule.ID
		if depth, ok := depths[id]; ok {
			return depth, nil
		}
		if onPath[id] {
			return 0, fmt.Errorf("%w: rule %v", ErrCycle, id)
		}
		if node.Parent == nil {
			depths[id] = 0
			return 0, nil
		}
		onPath[id] = true
		parentDepth, err := resolve(node.Parent, onPath)
		if err != nil {
			return 0, err
		}
		delete(onPath, id)
		depths[id] = parentDepth + 1
		return parentDepth + 1, nil
	}

	for _, node := range f.nodes {
		depth, err := resolve(node, map[string]bool{})
		if err != nil {
			return err
		}
		node.Depth = depth
	}
	return nil
}

// index orders children deterministically, fills the root pointers and the
// per-depth level slices.
func (f *Forest) index() {
	maxDepth := 0
	for _, node := range f.nodes {
		sort.Slice(node.Children, func(i, j int) bool {
			return node.Children[i].Rule.Name < node.Children[j].Rule.Name
		})
		if node.Depth == 0 {
			f.roots = append(f.roots, node)
		}
		if node.Depth > maxDepth {
			maxDepth = node.Depth
		}
	}
	sort.Slice(f.roots, func(i, j int) bool {
		return f.roots[i].Rule.Name < f.roots[j].Rule.Name
	})

	f.levels = make([][]*Node, maxDepth+1)
	if len(f.nodes) == 0 {
		f.levels = nil
		return
	}
	for _, root := range f.roots {
		root.propagateRoot(root)
	}
	for _, node := range f.nodes {
		f.levels[node.Depth] = append(f.levels[node.Depth], node)
	}
	for _, level := range f.levels {
		sort.Slice(level, func(i, j int) bool {
			return level[i].Rule.Name < level[j].Rule.Name
		})
	}
}

func (n *Node) propagateRoot(root *Node) {
	n.Root = root
	for _, child := range n.Children {
		child.propagateRoot(root)
	}
}

// Roots returns the top-level nodes ordered by rule name.
func (f *Forest) Roots() []*Node {
	return f.roots
}

// Levels returns nodes grouped by depth, shallowest first.
func (f *Forest) Levels() [][]*Node {
	return f.levels
}

// Lookup returns the node for a rule identity, or nil.
func (f *Forest) Lookup(id string) *Node {
	return f.nodes[id]
}

// Size returns the number of rules in the forest.
func (f *Forest) Size() int {
	return len(f.nodes)
}

// Subtree returns the node and all its descendants.
func (n *Node) Subtree() []*Node {
	result := []*Node{n}
	for _, child := range n.Children {
		result = append(result, child.Subtree()...)
	}
	return result
}

// Descendants returns the node's strict descendants.
func (n *Node) Descendants() []*Node {
	var result []*Node
	for _, child := range n.Children {
		result = append(result, child.Subtree()...)
	}
	return result
}
