package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"remark/api/internal/entity"
	"remark/api/internal/export"
	"remark/api/internal/notify"
	"remark/api/internal/policy"
	"remark/api/internal/store"
)

func TestCreateCommentNotifiesAndIndexes(t *testing.T) {
	svc, deps := newTestService()

	c, err := svc.CreateComment(context.Background(), CreateCommentInput{
		AuthorID: 5,
		Text:     "hello",
		Parent:   entity.NewRef(entity.KindBlogPost, 7),
	}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(deps.notifier.sent) != 1 || deps.notifier.sent[0].kind != notify.EventCreated {
		t.Fatalf("expected one CREATED notification, got %+v", deps.notifier.sent)
	}
	if len(deps.search.indexed) != 1 || deps.search.indexed[0] != c.ID {
		t.Fatalf("expected comment %d to be indexed, got %v", c.ID, deps.search.indexed)
	}
}

func TestCreateCommentValidation(t *testing.T) {
	tests := []struct {
		name string
		in   CreateCommentInput
	}{
		{name: "missing author", in: CreateCommentInput{Text: "x", Parent: entity.NewRef(entity.KindBlogPost, 7)}},
		{name: "blank text", in: CreateCommentInput{AuthorID: 1, Text: "  ", Parent: entity.NewRef(entity.KindBlogPost, 7)}},
		{name: "unknown kind", in: CreateCommentInput{AuthorID: 1, Text: "x", Parent: entity.NewRef("photo", 7)}},
		{name: "zero parent id", in: CreateCommentInput{AuthorID: 1, Text: "x", Parent: entity.NewRef(entity.KindBlogPost, 0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, deps := newTestService()
			called := false
			deps.store.createCommentFn = func(context.Context, store.NewComment, *int64) (store.Comment, error) {
				called = true
				return store.Comment{}, nil
			}

			_, err := svc.CreateComment(context.Background(), tt.in, nil)
			var domainErr *DomainError
			if !errors.As(err, &domainErr) || domainErr.Status != http.StatusBadRequest {
				t.Fatalf("expected 400 domain error, got %v", err)
			}
			if called {
				t.Fatal("store must not be touched by an invalid request")
			}
			if len(deps.notifier.sent) != 0 {
				t.Fatalf("expected no notification, got %+v", deps.notifier.sent)
			}
		})
	}
}

func TestCreateCommentStoreFailureSkipsNotification(t *testing.T) {
	svc, deps := newTestService()
	deps.store.createCommentFn = func(context.Context, store.NewComment, *int64) (store.Comment, error) {
		return store.Comment{}, store.ErrParentNotFound
	}

	_, err := svc.CreateComment(context.Background(), CreateCommentInput{
		AuthorID: 1, Text: "x", Parent: entity.CommentRef(99),
	}, nil)
	if !errors.Is(err, store.ErrParentNotFound) {
		t.Fatalf("expected ErrParentNotFound, got %v", err)
	}
	if len(deps.notifier.sent) != 0 || len(deps.search.indexed) != 0 {
		t.Fatal("a failed create must not notify or index")
	}
}

func TestUpdateCommentNotifiesUpdated(t *testing.T) {
	svc, deps := newTestService()
	actor := int64(42)
	var gotActor *int64
	deps.store.updateTextFn = func(_ context.Context, id int64, text string, a *int64) (store.Comment, error) {
		gotActor = a
		return store.Comment{ID: id, Text: text, ParentKind: entity.KindBlogPost, ParentID: 7}, nil
	}

	if _, err := svc.UpdateComment(context.Background(), 3, "b", &actor); err != nil {
		t.Fatalf("update: %v", err)
	}
	if gotActor == nil || *gotActor != actor {
		t.Fatalf("expected actor %d to reach the store, got %v", actor, gotActor)
	}
	if len(deps.notifier.sent) != 1 || deps.notifier.sent[0].kind != notify.EventUpdated {
		t.Fatalf("expected one UPDATED notification, got %+v", deps.notifier.sent)
	}
}

func TestDeleteCommentGuardRefusesReplies(t *testing.T) {
	svc, deps := newTestService()
	deps.store.deleteCommentFn = func(_ context.Context, id int64, _ *int64, guard store.DeleteGuard) (store.Comment, error) {
		c := store.Comment{ID: id, ParentKind: entity.KindBlogPost, ParentID: 7}
		if err := guard(c, true); err != nil {
			return store.Comment{}, err
		}
		return c, nil
	}

	_, err := svc.DeleteComment(context.Background(), 3, nil)
	if !errors.Is(err, policy.ErrHasChildren) {
		t.Fatalf("expected ErrHasChildren, got %v", err)
	}
	if len(deps.notifier.sent) != 0 || len(deps.search.deleted) != 0 {
		t.Fatal("a refused delete must not notify or touch the index")
	}
}

func TestDeleteCommentPublishesToResolvedTarget(t *testing.T) {
	svc, deps := newTestService()
	target := notify.Target{Root: entity.NewRef(entity.KindBlogPost, 7), Subscribers: []int64{1, 2}}
	deps.notifier.resolveFn = func(context.Context, int64) (notify.Target, error) {
		return target, nil
	}
	deps.store.deleteCommentFn = func(_ context.Context, id int64, _ *int64, guard store.DeleteGuard) (store.Comment, error) {
		c := store.Comment{ID: id, ParentKind: entity.KindBlogPost, ParentID: 7}
		return c, guard(c, false)
	}

	if _, err := svc.DeleteComment(context.Background(), 3, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(deps.notifier.sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(deps.notifier.sent))
	}
	sent := deps.notifier.sent[0]
	if sent.kind != notify.EventDelete || sent.target == nil || sent.target.Root != target.Root {
		t.Fatalf("expected DELETE to the resolved target, got %+v", sent)
	}
	if len(deps.search.deleted) != 1 || deps.search.deleted[0] != 3 {
		t.Fatalf("expected comment 3 to be removed from the index, got %v", deps.search.deleted)
	}
}

func TestDeleteMissingCommentIsNotFound(t *testing.T) {
	svc, deps := newTestService()
	deps.notifier.resolveFn = func(context.Context, int64) (notify.Target, error) {
		return notify.Target{}, store.ErrNotFound
	}

	if _, err := svc.DeleteComment(context.Background(), 3, nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDescendantsMakesDateToInclusive(t *testing.T) {
	svc, deps := newTestService()
	var gotFrom, gotTo *time.Time
	deps.store.listDescendantFn = func(_ context.Context, _ entity.Ref, from, to *time.Time) ([]store.Comment, error) {
		gotFrom, gotTo = from, to
		return nil, nil
	}

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	if _, err := svc.Descendants(context.Background(), entity.CommentRef(1), &from, &to); err != nil {
		t.Fatalf("descendants: %v", err)
	}
	if gotFrom == nil || !gotFrom.Equal(from) {
		t.Fatalf("expected from %s, got %v", from, gotFrom)
	}
	if gotTo == nil || !gotTo.Equal(to.AddDate(0, 0, 1)) {
		t.Fatalf("expected exclusive upper bound of the next day, got %v", gotTo)
	}
}

func TestRootEntityReturnsParentOfRootComment(t *testing.T) {
	svc, deps := newTestService()
	deps.store.rootCommentFn = func(context.Context, int64) (store.Comment, error) {
		return store.Comment{ID: 1, ParentKind: entity.KindBlogPost, ParentID: 7}, nil
	}

	ref, err := svc.RootEntity(context.Background(), 9)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if ref != entity.NewRef(entity.KindBlogPost, 7) {
		t.Fatalf("expected blogpost:7, got %s", ref)
	}
}

func TestCreateEntityRejectsComment(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.CreateEntity(context.Background(), entity.KindComment); err == nil {
		t.Fatal("expected comment kind to be rejected")
	}
}

func TestExportCommentsOutcomes(t *testing.T) {
	author := int64(5)
	params := export.Params{AuthorID: &author, Format: export.FormatJSON}

	tests := []struct {
		name      string
		requestFn func(context.Context, export.Params) (store.ExportJob, bool, error)
		fetchFn   func(context.Context, int64) (export.Result, error)
		want      ExportStatus
	}{
		{
			name: "created",
			requestFn: func(context.Context, export.Params) (store.ExportJob, bool, error) {
				return store.ExportJob{ID: 1, Status: store.ExportPending}, true, nil
			},
			want: ExportCreated,
		},
		{
			name: "pending",
			requestFn: func(context.Context, export.Params) (store.ExportJob, bool, error) {
				return store.ExportJob{ID: 1, Status: store.ExportPending}, false, nil
			},
			want: ExportProcessing,
		},
		{
			name: "ready",
			requestFn: func(context.Context, export.Params) (store.ExportJob, bool, error) {
				return store.ExportJob{ID: 1, Status: store.ExportReady}, false, nil
			},
			fetchFn: func(context.Context, int64) (export.Result, error) {
				return export.Result{Data: []byte("[]"), Filename: "comments.json", MimeType: "application/json"}, nil
			},
			want: ExportReady,
		},
		{
			name: "failed",
			requestFn: func(context.Context, export.Params) (store.ExportJob, bool, error) {
				return store.ExportJob{ID: 1, Status: store.ExportFailed}, false, nil
			},
			fetchFn: func(context.Context, int64) (export.Result, error) {
				return export.Result{}, export.ErrRenderFailed
			},
			want: ExportFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, deps := newTestService()
			deps.exports.requestFn = tt.requestFn
			deps.exports.fetchFn = tt.fetchFn

			outcome, err := svc.ExportComments(context.Background(), params)
			if err != nil {
				t.Fatalf("export: %v", err)
			}
			if outcome.Status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, outcome.Status)
			}
		})
	}
}

func TestExportCommentsRetriesOnceWhenConsumedConcurrently(t *testing.T) {
	svc, deps := newTestService()
	author := int64(5)
	calls := 0
	deps.exports.requestFn = func(context.Context, export.Params) (store.ExportJob, bool, error) {
		calls++
		if calls == 1 {
			return store.ExportJob{ID: 1, Status: store.ExportReady}, false, nil
		}
		return store.ExportJob{ID: 2, Status: store.ExportPending}, true, nil
	}

	outcome, err := svc.ExportComments(context.Background(), export.Params{AuthorID: &author})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if outcome.Status != ExportCreated || outcome.JobID != 2 {
		t.Fatalf("expected a fresh job 2, got %+v", outcome)
	}
	if calls != 2 {
		t.Fatalf("expected two requests, got %d", calls)
	}
}
