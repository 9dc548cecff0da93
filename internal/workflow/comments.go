package workflow

import (
	"sort"

	"github.com/pitabwire/approvals/model"
)

// ThreadNode is a comment with its replies.
type ThreadNode struct {
	Comment model.Comment `json:"comment"`
	Replies []*ThreadNode `json:"replies,omitempty"`
}

// BuildThread arranges comments into a forest. Roots and replies are ordered
// by creation time, then id. A comment whose parent is missing, or whose
// parent chain loops, becomes a root.
func BuildThread(comments []model.Comment) []*ThreadNode {
	sorted := make([]model.Comment, len(comments))
	copy(sorted, comments)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	nodes := make(map[string]*ThreadNode, len(sorted))
	parents := make(map[string]string, len(sorted))
	for _, c := range sorted {
		nodes[c.ID] = &ThreadNode{Comment: c}
		parents[c.ID] = c.ParentID
	}

	var roots []*ThreadNode
	for _, c := range sorted {
		node := nodes[c.ID]
		parent, ok := nodes[c.ParentID]
		if c.ParentID == "" || !ok || loops(c.ID, parents) {
			roots = append(roots, node)
			continue
		}
		parent.Replies = append(parent.Replies, node)
	}
	return roots
}

// loops reports whether following parent links from id returns to id.
func loops(id string, parents map[string]string) bool {
	seen := make(map[string]bool)
	for cur := parents[id]; cur != ""; cur = parents[cur] {
		if cur == id {
			return true
		}
		if seen[cur] {
			return false
		}
		seen[cur] = true
	}
	return false
}

// CarryForward copies the replies (comments with a parent) of a request onto
// a new request. Copies get fresh ids and lose their approval-record link. A
// copy keeps its parent only when that parent was copied too; otherwise it
// becomes a root.
func CarryForward(comments []model.Comment, newRequestID string, newID func() string) []model.Comment {
	ids := make(map[string]string)
	for _, c := range comments {
		if c.ParentID != "" {
			ids[c.ID] = newID()
		}
	}

	var out []model.Comment
	for _, c := range comments {
		if c.ParentID == "" {
			continue
		}
		out = append(out, model.Comment{
			ID:        ids[c.ID],
			RequestID: newRequestID,
			ParentID:  ids[c.ParentID],
			AuthorID:  c.AuthorID,
			Text:      c.Text,
			CreatedAt: c.CreatedAt,
		})
	}
	return out
}
