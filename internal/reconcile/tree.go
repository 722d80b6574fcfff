// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Node is one folder in a Tree. References are identifiers, not pointers.
type Node struct {
	ID          string
	ParentID    string
	DirectBytes uint64
	Children    []string
	// Recorded is the persisted content size, nil when absent.
	Recorded *uint64
}

// Tree is an arena of folders loaded for aggregation. Child folders outside
// the arena can be registered with their persisted size via SetExternal.
type Tree struct {
	nodes    map[string]*Node
	external map[string]*uint64
}

func NewTree() *Tree {
	return &Tree{
		nodes:    make(map[string]*Node),
		external: make(map[string]*uint64),
	}
}

// Add inserts or replaces a node.
func (t *Tree) Add(n Node) {
	n.Children = slices.Clone(n.Children)
	t.nodes[n.ID] = &n
}

// AddChild appends child to the children of parent if it is not already there.
func (t *Tree) AddChild(parent, child string) {
	n, ok := t.nodes[parent]
	if !ok || slices.Contains(n.Children, child) {
		return
	}
	n.Children = append(n.Children, child)
}

// SetExternal records the persisted size of a folder that is not part of the
// arena. A nil size means the value is unknown.
func (t *Tree) SetExternal(id string, size *uint64) {
	t.external[id] = size
}

func (t *Tree) Node(id string) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

func (t *Tree) Len() int {
	return len(t.nodes)
}

// IDs returns node ids in sorted order.
func (t *Tree) IDs() []string {
	return slices.Sorted(maps.Keys(t.nodes))
}

// MissingChild is a child reference that resolved neither to an arena node
// nor to a known persisted size. It contributes zero.
type MissingChild struct {
	Parent string
	Child  string
}

// Aggregation holds the bottom-up content sizes computed by Aggregate.
type Aggregation struct {
	Sizes   map[string]uint64
	Errors  map[string]error
	Missing []MissingChild
}

// Result returns the computed size for id, or the error that prevented it.
func (a *Aggregation) Result(id string) (uint64, error) {
	if err, ok := a.Errors[id]; ok {
		return 0, err
	}
	size, ok := a.Sizes[id]
	if !ok {
		return 0, fmt.Errorf("%w: folder %s was not aggregated", ErrMissingReference, id)
	}
	return size, nil
}

const (
	unvisited = iota
	inProgress
	done
)

type aggFrame struct {
	id   string
	next int
	sum  uint64
}

// Aggregate computes content sizes for every node in the tree as direct
// bytes plus the content size of each child folder. A node is finalized only
// after all of its children. Nodes on a cycle, and their ancestors, get an
// error wrapping ErrCycle instead of a size.
func Aggregate(t *Tree) *Aggregation {
	agg := &Aggregation{
		Sizes:  make(map[string]uint64, len(t.nodes)),
		Errors: make(map[string]error),
	}
	state := make(map[string]int, len(t.nodes))

	for _, root := range t.IDs() {
		if state[root] != unvisited {
			continue
		}

		stack := []*aggFrame{{id: root}}
		depth := map[string]int{root: 0}
		state[root] = inProgress

		for len(stack) > 0 {
			top := stack[len(stack)-1]
			node := t.nodes[top.id]

			if top.next < len(node.Children) {
				child := node.Children[top.next]
				top.next++

				if _, inArena := t.nodes[child]; !inArena {
					if size := t.external[child]; size != nil {
						top.sum += *size
					} else {
						agg.Missing = append(agg.Missing, MissingChild{Parent: top.id, Child: child})
					}
					continue
				}

				switch state[child] {
				case unvisited:
					state[child] = inProgress
					depth[child] = len(stack)
					stack = append(stack, &aggFrame{id: child})
				case inProgress:
					for _, f := range stack[depth[child]:] {
						agg.Errors[f.id] = fmt.Errorf("folder %s: %w", f.id, ErrCycle)
					}
				case done:
					if err, bad := agg.Errors[child]; bad {
						if _, already := agg.Errors[top.id]; !already {
							agg.Errors[top.id] = descendantError(child, err)
						}
						continue
					}
					top.sum += agg.Sizes[child]
				}
				continue
			}

			stack = stack[:len(stack)-1]
			delete(depth, top.id)
			state[top.id] = done

			err, bad := agg.Errors[top.id]
			if !bad {
				agg.Sizes[top.id] = node.DirectBytes + top.sum
			}
			if len(stack) == 0 {
				continue
			}

			parent := stack[len(stack)-1]
			if !bad {
				parent.sum += agg.Sizes[top.id]
			} else if _, already := agg.Errors[parent.id]; !already {
				agg.Errors[parent.id] = descendantError(top.id, err)
			}
		}
	}

	return agg
}

// descendantError keeps the root cause reachable through errors.Is without
// repeating the whole chain of folder ids.
func descendantError(child string, err error) error {
	cause := err
	for {
		next := errors.Unwrap(cause)
		if next == nil {
			break
		}
		cause = next
	}
	return fmt.Errorf("descendant folder %s: %w", child, cause)
}
