package store

import (
	"time"

	"remark/api/internal/entity"
)

type Comment struct {
	ID         int64
	CreatedAt  time.Time
	AuthorID   int64
	Text       string
	ParentKind entity.Kind
	ParentID   int64
}

// Parent returns the polymorphic parent reference.
func (c Comment) Parent() entity.Ref {
	return entity.NewRef(c.ParentKind, c.ParentID)
}

// IsRoot reports whether the comment hangs directly off an entity.
func (c Comment) IsRoot() bool {
	return c.ParentKind != entity.KindComment
}

// CommentData is the wire shape shared by API responses, subscriber events, and exports.
type CommentData struct {
	ID        int64  `json:"id" xml:"id"`
	CreatedAt string `json:"created_at" xml:"created_at"`
	AuthorID  int64  `json:"author_id" xml:"author_id"`
	ParentID  *int64 `json:"parent_id,omitempty" xml:"parent_id,omitempty"`
	Text      string `json:"text" xml:"text"`
}

// Data renders the comment in its wire shape. parent_id is only set for replies.
func (c Comment) Data() CommentData {
	data := CommentData{
		ID:        c.ID,
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339Nano),
		AuthorID:  c.AuthorID,
		Text:      c.Text,
	}
	if !c.IsRoot() {
		parentID := c.ParentID
		data.ParentID = &parentID
	}
	return data
}

// NewComment is the input of CreateComment.
type NewComment struct {
	AuthorID int64
	Text     string
	Parent   entity.Ref
}

// ClosureEdge records that AncestorID is AncestorID itself or a transitive parent of DescendantID.
type ClosureEdge struct {
	AncestorID   int64
	DescendantID int64
}

type LogEvent string

const (
	LogCreated LogEvent = "CREATED"
	LogChanged LogEvent = "CHANGED"
	LogDeleted LogEvent = "DELETED"
)

type TextState struct {
	Text string `json:"text"`
}

// Changes is the before/after diff of the mutable fields. Empty marshals as {}.
type Changes struct {
	Before *TextState `json:"before,omitempty"`
	After  *TextState `json:"after,omitempty"`
}

// TextChanges returns the diff between two texts, or an empty diff when they match.
func TextChanges(before, after string) Changes {
	if before == after {
		return Changes{}
	}
	return Changes{
		Before: &TextState{Text: before},
		After:  &TextState{Text: after},
	}
}

func (c Changes) Empty() bool {
	return c.Before == nil && c.After == nil
}

type CommentLog struct {
	ID        int64
	CreatedAt time.Time
	CommentID int64
	Event     LogEvent
	UserID    *int64
	Changes   Changes
}

type Subscription struct {
	ID         int64
	UserID     int64
	EntityKind entity.Kind
	EntityID   int64
	CreatedAt  time.Time
}

func (s Subscription) Entity() entity.Ref {
	return entity.NewRef(s.EntityKind, s.EntityID)
}

type ExportStatus string

const (
	ExportPending ExportStatus = "pending"
	ExportReady   ExportStatus = "ready"
	ExportFailed  ExportStatus = "failed"
)

type ExportJob struct {
	ID          int64
	Fingerprint string
	FileFormat  string
	AuthorID    *int64
	EntityID    *int64
	EntityKind  *entity.Kind
	DateFrom    *time.Time
	DateTo      *time.Time
	Status      ExportStatus
	ArtifactKey string
	Error       string
	CreatedAt   time.Time
	FinishedAt  *time.Time
}

func (j ExportJob) Ready() bool {
	return j.Status == ExportReady
}
