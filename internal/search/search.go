// Package search serves full-text search over comment text.
package search

import (
	"strconv"
	"time"

	"remark/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	CommentID  int64  `json:"comment_id"`
	AuthorID   int64  `json:"author_id"`
	ParentKind string `json:"parent_kind"`
	ParentID   int64  `json:"parent_id"`
	Snippet    string `json:"snippet"`
	CreatedAt  string `json:"created_at"`
}

// Query describes a search request. A zero AuthorID searches everyone.
type Query struct {
	Text     string
	AuthorID int64
	Limit    int
	Offset   int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	AuthorID   int64  `json:"authorId"`
	ParentKind string `json:"parentKind"`
	ParentID   int64  `json:"parentId"`
	CreatedAt  string `json:"createdAt"`
}

func RecordFor(c store.Comment) CommentRecord {
	return CommentRecord{
		ID:         strconv.FormatInt(c.ID, 10),
		Text:       c.Text,
		AuthorID:   c.AuthorID,
		ParentKind: string(c.ParentKind),
		ParentID:   c.ParentID,
		CreatedAt:  c.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
