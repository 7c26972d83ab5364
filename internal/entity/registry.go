// Package entity holds the whitelist of kinds that may parent a comment.
package entity

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the stable string tag of a commentable entity kind.
type Kind string

const (
	KindComment     Kind = "comment"
	KindBlogPost    Kind = "blogpost"
	KindUserProfile Kind = "userprofile"
)

// Descriptor describes one registered kind.
type Descriptor struct {
	Kind   Kind
	TypeID int
	// Table is the relation whose rows are the instances of this kind.
	Table string
}

// Type ids are persisted by clients and must never be renumbered.
var registry = []Descriptor{
	{Kind: KindComment, TypeID: 1, Table: "comments"},
	{Kind: KindBlogPost, TypeID: 2, Table: "blog_posts"},
	{Kind: KindUserProfile, TypeID: 3, Table: "user_profiles"},
}

// Kinds returns every registered kind in type id order.
func Kinds() []Descriptor {
	out := make([]Descriptor, len(registry))
	copy(out, registry)
	return out
}

func Lookup(kind Kind) (Descriptor, bool) {
	for _, d := range registry {
		if d.Kind == kind {
			return d, true
		}
	}
	return Descriptor{}, false
}

func ByTypeID(typeID int) (Descriptor, bool) {
	for _, d := range registry {
		if d.TypeID == typeID {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Parse accepts either a numeric type id or a kind name.
func Parse(value string) (Descriptor, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Descriptor{}, false
	}
	if typeID, err := strconv.Atoi(value); err == nil {
		return ByTypeID(typeID)
	}
	return Lookup(Kind(strings.ToLower(value)))
}

// Ref is a polymorphic (kind, id) reference to a comment or an entity.
type Ref struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}

func NewRef(kind Kind, id int64) Ref {
	return Ref{Kind: kind, ID: id}
}

// CommentRef points at a comment node.
func CommentRef(id int64) Ref {
	return Ref{Kind: KindComment, ID: id}
}

func (r Ref) IsComment() bool {
	return r.Kind == KindComment
}

// TypeID returns the registered type id, or 0 for an unknown kind.
func (r Ref) TypeID() int {
	d, ok := Lookup(r.Kind)
	if !ok {
		return 0
	}
	return d.TypeID
}

// Validate reports whether the reference names a registered kind and a positive id.
func (r Ref) Validate() error {
	if _, ok := Lookup(r.Kind); !ok {
		return fmt.Errorf("unknown entity kind %q", r.Kind)
	}
	if r.ID <= 0 {
		return fmt.Errorf("invalid %s id %d", r.Kind, r.ID)
	}
	return nil
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}
