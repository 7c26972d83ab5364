package export

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"time"

	"remark/api/internal/entity"
	"remark/api/internal/store"
)

// CommentSource is the read side of the comment store used by renders.
type CommentSource interface {
	ListCommentsByAuthor(ctx context.Context, authorID int64, from, to *time.Time) ([]store.Comment, error)
	ListDescendants(ctx context.Context, parent entity.Ref, from, to *time.Time) ([]store.Comment, error)
}

// Render loads the comments p selects and serializes them.
func Render(ctx context.Context, src CommentSource, p Params) (Result, error) {
	if !p.Format.Supported() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, p.Format)
	}

	from, to := p.bounds()
	var (
		comments []store.Comment
		err      error
	)
	if p.AuthorID != nil {
		comments, err = src.ListCommentsByAuthor(ctx, *p.AuthorID, from, to)
	} else {
		comments, err = src.ListDescendants(ctx, *p.Entity, from, to)
	}
	if err != nil {
		return Result{}, fmt.Errorf("load comments: %w", err)
	}

	items := make([]store.CommentData, 0, len(comments))
	for _, c := range comments {
		items = append(items, c.Data())
	}

	var data []byte
	switch p.Format {
	case FormatJSON:
		data, err = json.Marshal(items)
	case FormatXML:
		data, err = renderXML(items)
	}
	if err != nil {
		return Result{}, fmt.Errorf("encode %s: %w", p.Format, err)
	}
	return Result{Data: data, Filename: p.Format.Filename(), MimeType: p.Format.ContentType()}, nil
}

type xmlList struct {
	XMLName xml.Name            `xml:"root"`
	Items   []store.CommentData `xml:"list-item"`
}

func renderXML(items []store.CommentData) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(xmlList{Items: items}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
