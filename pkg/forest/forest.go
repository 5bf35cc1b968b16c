// Package forest implements pure transformations over a forest of comment
// trees. No operation mutates its input: every mutating function returns a
// new forest sharing all untouched nodes with the original, so callers can
// keep old snapshots around safely.
package forest

import (
	"sort"

	"github.com/nanohit/dah-comments/pkg/models"
)

// Insert places node at the top level when parentID is empty, or into the
// children of the comment with parentID wherever it sits in the forest.
// atHead selects prepend over append. If parentID is set but no such
// comment exists, the forest is returned unchanged.
func Insert(f []*models.Comment, parentID string, node *models.Comment, atHead bool) []*models.Comment {
	if parentID == "" {
		out := make([]*models.Comment, 0, len(f)+1)
		if atHead {
			out = append(out, node)
			return append(out, f...)
		}
		out = append(out, f...)
		return append(out, node)
	}
	out, ok := insertUnder(f, parentID, node, atHead)
	if !ok {
		return f
	}
	return out
}

func insertUnder(nodes []*models.Comment, parentID string, node *models.Comment, atHead bool) ([]*models.Comment, bool) {
	for i, n := range nodes {
		if n.ID == parentID {
			parent := *n
			children := make([]*models.Comment, 0, len(n.Children)+1)
			if atHead {
				children = append(children, node)
				children = append(children, n.Children...)
			} else {
				children = append(children, n.Children...)
				children = append(children, node)
			}
			parent.Children = children
			return replaceAt(nodes, i, &parent), true
		}
		if sub, ok := insertUnder(n.Children, parentID, node, atHead); ok {
			owner := *n
			owner.Children = sub
			return replaceAt(nodes, i, &owner), true
		}
	}
	return nil, false
}

// Replace swaps the first comment with targetID for replacement. When the
// replacement carries no children of its own, the existing subtree is kept
// under it. Returns the forest unchanged if targetID is absent.
func Replace(f []*models.Comment, targetID string, replacement *models.Comment) []*models.Comment {
	out, ok := replaceIn(f, targetID, replacement)
	if !ok {
		return f
	}
	return out
}

func replaceIn(nodes []*models.Comment, targetID string, replacement *models.Comment) ([]*models.Comment, bool) {
	for i, n := range nodes {
		if n.ID == targetID {
			next := replacement
			if len(replacement.Children) == 0 && len(n.Children) > 0 {
				cp := *replacement
				cp.Children = n.Children
				next = &cp
			}
			return replaceAt(nodes, i, next), true
		}
		if sub, ok := replaceIn(n.Children, targetID, replacement); ok {
			owner := *n
			owner.Children = sub
			return replaceAt(nodes, i, &owner), true
		}
	}
	return nil, false
}

// Patch applies fn to a copy of the comment with targetID and splices the
// copy back in. fn must not touch Children; edits and reaction toggles are
// field-level only. Returns the forest unchanged if targetID is absent.
func Patch(f []*models.Comment, targetID string, fn func(*models.Comment)) []*models.Comment {
	out, ok := patchIn(f, targetID, fn)
	if !ok {
		return f
	}
	return out
}

func patchIn(nodes []*models.Comment, targetID string, fn func(*models.Comment)) ([]*models.Comment, bool) {
	for i, n := range nodes {
		if n.ID == targetID {
			cp := *n
			fn(&cp)
			return replaceAt(nodes, i, &cp), true
		}
		if sub, ok := patchIn(n.Children, targetID, fn); ok {
			owner := *n
			owner.Children = sub
			return replaceAt(nodes, i, &owner), true
		}
	}
	return nil, false
}

// Remove drops the comment with targetID together with its whole subtree.
// Descendants are never promoted. Returns the forest unchanged if targetID
// is absent.
func Remove(f []*models.Comment, targetID string) []*models.Comment {
	out, ok := removeIn(f, targetID)
	if !ok {
		return f
	}
	return out
}

func removeIn(nodes []*models.Comment, targetID string) ([]*models.Comment, bool) {
	for i, n := range nodes {
		if n.ID == targetID {
			out := make([]*models.Comment, 0, len(nodes)-1)
			out = append(out, nodes[:i]...)
			return append(out, nodes[i+1:]...), true
		}
		if sub, ok := removeIn(n.Children, targetID); ok {
			owner := *n
			owner.Children = sub
			return replaceAt(nodes, i, &owner), true
		}
	}
	return nil, false
}

// Find returns the first comment with the given id in depth-first forest
// order, or nil.
func Find(f []*models.Comment, id string) *models.Comment {
	return FindFunc(f, func(c *models.Comment) bool { return c.ID == id })
}

// FindFunc returns the first comment satisfying pred in depth-first forest
// order, or nil.
func FindFunc(f []*models.Comment, pred func(*models.Comment) bool) *models.Comment {
	for _, n := range f {
		if pred(n) {
			return n
		}
		if found := FindFunc(n.Children, pred); found != nil {
			return found
		}
	}
	return nil
}

// Count reports the total number of comments across every level.
func Count(f []*models.Comment) int {
	total := 0
	for _, n := range f {
		total += 1 + Count(n.Children)
	}
	return total
}

// Sorted produces a display projection of the forest: newest first at every
// level independently. The canonical forest order is left untouched; callers
// recompute the projection per render and never store it back.
func Sorted(f []*models.Comment) []*models.Comment {
	out := make([]*models.Comment, len(f))
	copy(out, f)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	for i, n := range out {
		if len(n.Children) == 0 {
			continue
		}
		cp := *n
		cp.Children = Sorted(n.Children)
		out[i] = &cp
	}
	return out
}

func replaceAt(nodes []*models.Comment, i int, n *models.Comment) []*models.Comment {
	out := make([]*models.Comment, len(nodes))
	copy(out, nodes)
	out[i] = n
	return out
}
