// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package pipeline

import (
	"sort"
	"strings"

	"github.com/go-logr/logr"
)

// NodeKind is the position of an entity in its containment hierarchy.
type NodeKind int

const (
	KindRoot NodeKind = iota
	KindBranch
	KindLeaf
)

func (k NodeKind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindBranch:
		return "branch"
	case KindLeaf:
		return "leaf"
	}
	return "unknown"
}

// Node is one entity in a built hierarchy (pool→vdev→disk, node→guest,
// host→container). Children are keyed by name; insertion order is not
// significant but lookup by name is.
type Node struct {
	Name     string
	Kind     NodeKind
	Snapshot RateSnapshot
	// Placeholder is set on synthesized roots created to adopt orphans.
	Placeholder bool

	children map[string]*Node
}

func newNode(name string, kind NodeKind, snap RateSnapshot) *Node {
	return &Node{
		Name:     name,
		Kind:     kind,
		Snapshot: snap,
		children: make(map[string]*Node),
	}
}

// Child returns the named child, or nil.
func (n *Node) Child(name string) *Node {
	return n.children[name]
}

// Children returns the node's children sorted by name for deterministic
// traversal.
func (n *Node) Children() []*Node {
	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (n *Node) attach(child *Node) {
	n.children[child.Name] = child
}

// HierarchyBuilder assembles flat rated samples into rooted trees. The
// path-based Build is order independent and is the default for every source;
// BuildOrdered is the single-scan variant usable only when the source
// guarantees depth-ordered emission (single-host zpool iostat does).
type HierarchyBuilder struct {
	logger logr.Logger
	// strict drops orphans instead of synthesizing a placeholder root.
	strict bool
}

func NewHierarchyBuilder(logger logr.Logger) *HierarchyBuilder {
	return &HierarchyBuilder{logger: logger.WithName("hierarchy")}
}

// NewStrictHierarchyBuilder drops orphan records with a warning rather than
// attaching them to a synthesized placeholder root. Use for sources whose
// records are unreliable enough that a fabricated parent would mislead.
func NewStrictHierarchyBuilder(logger logr.Logger) *HierarchyBuilder {
	return &HierarchyBuilder{logger: logger.WithName("hierarchy"), strict: true}
}

// nodeName returns the last path element, falling back to the entity id for
// flat records.
func nodeName(snap RateSnapshot) string {
	if snap.Path == "" {
		return snap.EntityID
	}
	return lastElem(snap.Path)
}

func lastElem(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func pathDepth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, "/")
}

// Build assembles records keyed by hierarchical path into trees, tolerating
// arbitrary input order. It runs three passes: materialize every depth-0
// record as a root, attach depth-1 records to their root by prefix, then
// attach deeper records to the matching branch or, when the pool has no vdev
// layer, directly to the root as an individual leaf.
func (b *HierarchyBuilder) Build(records []RateSnapshot) []*Node {
	roots := make(map[string]*Node)
	var order []string

	addRoot := func(name string, snap RateSnapshot, placeholder bool) *Node {
		n := newNode(name, KindRoot, snap)
		n.Placeholder = placeholder
		roots[name] = n
		order = append(order, name)
		return n
	}

	for _, rec := range records {
		if pathDepth(rec.Path) == 0 {
			name := nodeName(rec)
			if existing, ok := roots[name]; ok {
				// Later record for the same root wins; keeps the
				// freshest snapshot without duplicating the node.
				existing.Snapshot = rec
				continue
			}
			addRoot(name, rec, false)
		}
	}

	// rootFor finds the root owning a path, synthesizing a placeholder in
	// non-strict mode so a late-arriving parent can still adopt children.
	rootFor := func(path string) *Node {
		rootName := path
		if i := strings.IndexByte(path, '/'); i >= 0 {
			rootName = path[:i]
		}
		if n, ok := roots[rootName]; ok {
			return n
		}
		if b.strict {
			b.logger.V(1).Info("dropping orphan record, no root for path", "path", path)
			return nil
		}
		b.logger.V(1).Info("synthesizing placeholder root for orphan", "path", path)
		return addRoot(rootName, RateSnapshot{EntityID: rootName, Path: rootName}, true)
	}

	for _, rec := range records {
		if pathDepth(rec.Path) != 1 {
			continue
		}
		root := rootFor(rec.Path)
		if root == nil {
			continue
		}
		root.attach(newNode(nodeName(rec), KindBranch, rec))
	}

	for _, rec := range records {
		if pathDepth(rec.Path) < 2 {
			continue
		}
		root := rootFor(rec.Path)
		if root == nil {
			continue
		}
		leaf := newNode(nodeName(rec), KindLeaf, rec)
		// Attach to the longest-prefix branch when one exists, else the
		// leaf hangs directly off the root (single-disk pools carry no
		// vdev layer).
		parentPath := rec.Path[:strings.LastIndexByte(rec.Path, '/')]
		if branch := root.Child(lastElem(parentPath)); branch != nil {
			branch.attach(leaf)
			continue
		}
		root.attach(leaf)
	}

	out := make([]*Node, 0, len(order))
	for _, name := range order {
		out = append(out, roots[name])
	}
	return out
}

// BuildOrdered is the single left-to-right scan variant. It requires records
// in source emission order: a root resets the current root and branch
// pointers, a branch attaches to the current root, a leaf attaches to the
// open branch or directly to the root. A branch or leaf observed before any
// root is logged and skipped.
func (b *HierarchyBuilder) BuildOrdered(records []RateSnapshot) []*Node {
	var (
		out     []*Node
		curRoot *Node
		curBr   *Node
	)

	for _, rec := range records {
		switch pathDepth(rec.Path) {
		case 0:
			curRoot = newNode(nodeName(rec), KindRoot, rec)
			curBr = nil
			out = append(out, curRoot)
		case 1:
			if curRoot == nil {
				b.logger.V(1).Info("branch before any root, skipping", "path", rec.Path)
				continue
			}
			curBr = newNode(nodeName(rec), KindBranch, rec)
			curRoot.attach(curBr)
		default:
			if curRoot == nil {
				b.logger.V(1).Info("leaf before any root, skipping", "path", rec.Path)
				continue
			}
			leaf := newNode(nodeName(rec), KindLeaf, rec)
			if curBr != nil {
				curBr.attach(leaf)
			} else {
				curRoot.attach(leaf)
			}
		}
	}
	return out
}
