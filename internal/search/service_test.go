package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"remark/api/internal/entity"
	"remark/api/internal/logger"
	"remark/api/internal/store"
)

type fakeEngine struct {
	mu      sync.Mutex
	healthy bool
	err     error
	results []Result
	indexed []CommentRecord
	deleted []int64
	calls   chan struct{}
}

func (f *fakeEngine) Healthy() bool { return f.healthy }

func (f *fakeEngine) Search(Query) ([]Result, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.results, len(f.results), nil
}

func (f *fakeEngine) IndexComments(records []CommentRecord) error {
	f.mu.Lock()
	f.indexed = append(f.indexed, records...)
	f.mu.Unlock()
	f.signal()
	return nil
}

func (f *fakeEngine) DeleteComment(id int64) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	f.signal()
	return nil
}

func (f *fakeEngine) signal() {
	if f.calls != nil {
		f.calls <- struct{}{}
	}
}

type fakeFallback struct {
	results []Result
	called  bool
}

func (f *fakeFallback) Search(context.Context, Query) ([]Result, int, error) {
	f.called = true
	return f.results, len(f.results), nil
}

func TestSearchFallsBackWhenMeiliFails(t *testing.T) {
	engine := &fakeEngine{healthy: true, err: errors.New("boom")}
	pg := &fakeFallback{results: []Result{{CommentID: 3}}}
	s := &Service{meili: engine, pgfts: pg, log: logger.Nop()}

	resp := s.Search(context.Background(), Query{Text: "hello"})
	if !pg.called || resp.Backend != "pgfts" || len(resp.Results) != 1 {
		t.Fatalf("expected pgfts fallback, got %+v", resp)
	}
}

func TestSearchPrefersHealthyMeili(t *testing.T) {
	engine := &fakeEngine{healthy: true, results: []Result{{CommentID: 1}, {CommentID: 2}}}
	pg := &fakeFallback{}
	s := &Service{meili: engine, pgfts: pg, log: logger.Nop()}

	resp := s.Search(context.Background(), Query{Text: "hello"})
	if pg.called || resp.Backend != "meilisearch" || resp.Total != 2 {
		t.Fatalf("expected meilisearch results, got %+v", resp)
	}
}

func TestEmptyResultsMarshalAsArray(t *testing.T) {
	s := &Service{pgfts: &fakeFallback{}, log: logger.Nop()}
	if resp := s.Search(context.Background(), Query{Text: "x"}); resp.Results == nil {
		t.Fatal("expected non-nil results")
	}
}

func TestIndexAndDeleteAreAsync(t *testing.T) {
	engine := &fakeEngine{healthy: true, calls: make(chan struct{}, 2)}
	s := &Service{meili: engine, pgfts: &fakeFallback{}, log: logger.Nop()}

	c := store.Comment{ID: 9, AuthorID: 5, Text: "hi", ParentKind: entity.KindBlogPost, ParentID: 7, CreatedAt: time.Unix(0, 0)}
	s.IndexComment(c)
	s.DeleteComment(9)
	for i := 0; i < 2; i++ {
		select {
		case <-engine.calls:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for index call")
		}
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.indexed) != 1 || engine.indexed[0].ID != "9" || engine.indexed[0].ParentKind != "blogpost" {
		t.Fatalf("unexpected indexed records %+v", engine.indexed)
	}
	if len(engine.deleted) != 1 || engine.deleted[0] != 9 {
		t.Fatalf("unexpected deletions %v", engine.deleted)
	}
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"id":         []byte(`"12"`),
		"authorId":   []byte(`5`),
		"parentKind": []byte(`"comment"`),
		"parentId":   []byte(`3`),
		"text":       []byte(`"plain text"`),
		"_formatted": []byte(`{"id":"12","text":"<mark>plain</mark> text"}`),
	}
	got := hitToResult(hit)
	if got.CommentID != 12 || got.AuthorID != 5 || got.ParentID != 3 || got.ParentKind != "comment" {
		t.Fatalf("unexpected result %+v", got)
	}
	if got.Snippet != "<mark>plain</mark> text" {
		t.Fatalf("expected highlighted snippet, got %q", got.Snippet)
	}
}
