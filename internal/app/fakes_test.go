package app

import (
	"context"
	"time"

	"remark/api/internal/entity"
	"remark/api/internal/export"
	"remark/api/internal/notify"
	"remark/api/internal/search"
	"remark/api/internal/store"
)

type fakeStore struct {
	createCommentFn  func(context.Context, store.NewComment, *int64) (store.Comment, error)
	getCommentFn     func(context.Context, int64) (store.Comment, error)
	listChildrenFn   func(context.Context, entity.Ref) ([]store.Comment, error)
	listDescendantFn func(context.Context, entity.Ref, *time.Time, *time.Time) ([]store.Comment, error)
	listByAuthorFn   func(context.Context, int64, *time.Time, *time.Time) ([]store.Comment, error)
	rootCommentFn    func(context.Context, int64) (store.Comment, error)
	updateTextFn     func(context.Context, int64, string, *int64) (store.Comment, error)
	deleteCommentFn  func(context.Context, int64, *int64, store.DeleteGuard) (store.Comment, error)
	listLogFn        func(context.Context, int64) ([]store.CommentLog, error)
	createEntityFn   func(context.Context, entity.Kind) (entity.Ref, error)
	subscribeFn      func(context.Context, int64, entity.Ref) (store.Subscription, bool, error)
	unsubscribeFn    func(context.Context, int64, entity.Ref) error
	listSubsFn       func(context.Context, int64) ([]store.Subscription, error)
	pingFn           func(context.Context) error
}

func (f *fakeStore) CreateComment(ctx context.Context, in store.NewComment, actor *int64) (store.Comment, error) {
	if f.createCommentFn != nil {
		return f.createCommentFn(ctx, in, actor)
	}
	return store.Comment{ID: 1, AuthorID: in.AuthorID, Text: in.Text, ParentKind: in.Parent.Kind, ParentID: in.Parent.ID}, nil
}

func (f *fakeStore) GetComment(ctx context.Context, id int64) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, id)
	}
	return store.Comment{}, store.ErrNotFound
}

func (f *fakeStore) ListChildren(ctx context.Context, ref entity.Ref) ([]store.Comment, error) {
	if f.listChildrenFn != nil {
		return f.listChildrenFn(ctx, ref)
	}
	return nil, nil
}

func (f *fakeStore) ListDescendants(ctx context.Context, ref entity.Ref, from, to *time.Time) ([]store.Comment, error) {
	if f.listDescendantFn != nil {
		return f.listDescendantFn(ctx, ref, from, to)
	}
	return nil, nil
}

func (f *fakeStore) ListCommentsByAuthor(ctx context.Context, author int64, from, to *time.Time) ([]store.Comment, error) {
	if f.listByAuthorFn != nil {
		return f.listByAuthorFn(ctx, author, from, to)
	}
	return nil, nil
}

func (f *fakeStore) RootComment(ctx context.Context, id int64) (store.Comment, error) {
	if f.rootCommentFn != nil {
		return f.rootCommentFn(ctx, id)
	}
	return store.Comment{}, store.ErrNotFound
}

func (f *fakeStore) UpdateCommentText(ctx context.Context, id int64, text string, actor *int64) (store.Comment, error) {
	if f.updateTextFn != nil {
		return f.updateTextFn(ctx, id, text, actor)
	}
	return store.Comment{}, store.ErrNotFound
}

func (f *fakeStore) DeleteComment(ctx context.Context, id int64, actor *int64, guard store.DeleteGuard) (store.Comment, error) {
	if f.deleteCommentFn != nil {
		return f.deleteCommentFn(ctx, id, actor, guard)
	}
	return store.Comment{}, store.ErrNotFound
}

func (f *fakeStore) ListCommentLog(ctx context.Context, id int64) ([]store.CommentLog, error) {
	if f.listLogFn != nil {
		return f.listLogFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeStore) CreateEntity(ctx context.Context, kind entity.Kind) (entity.Ref, error) {
	if f.createEntityFn != nil {
		return f.createEntityFn(ctx, kind)
	}
	return entity.NewRef(kind, 1), nil
}

func (f *fakeStore) CreateSubscription(ctx context.Context, userID int64, ref entity.Ref) (store.Subscription, bool, error) {
	if f.subscribeFn != nil {
		return f.subscribeFn(ctx, userID, ref)
	}
	return store.Subscription{ID: 1, UserID: userID, EntityKind: ref.Kind, EntityID: ref.ID}, true, nil
}

func (f *fakeStore) DeleteSubscription(ctx context.Context, userID int64, ref entity.Ref) error {
	if f.unsubscribeFn != nil {
		return f.unsubscribeFn(ctx, userID, ref)
	}
	return nil
}

func (f *fakeStore) ListSubscriptionsForUser(ctx context.Context, userID int64) ([]store.Subscription, error) {
	if f.listSubsFn != nil {
		return f.listSubsFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type notification struct {
	kind    notify.EventKind
	comment store.Comment
	target  *notify.Target
}

type fakeNotifier struct {
	resolveFn func(context.Context, int64) (notify.Target, error)
	sent      []notification
}

func (f *fakeNotifier) Notify(_ context.Context, kind notify.EventKind, c store.Comment) {
	f.sent = append(f.sent, notification{kind: kind, comment: c})
}

func (f *fakeNotifier) Resolve(ctx context.Context, id int64) (notify.Target, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, id)
	}
	return notify.Target{}, nil
}

func (f *fakeNotifier) PublishLogged(target notify.Target, kind notify.EventKind, c store.Comment) {
	f.sent = append(f.sent, notification{kind: kind, comment: c, target: &target})
}

type fakeExporter struct {
	requestFn func(context.Context, export.Params) (store.ExportJob, bool, error)
	fetchFn   func(context.Context, int64) (export.Result, error)
	requests  []export.Params
}

func (f *fakeExporter) Request(ctx context.Context, p export.Params) (store.ExportJob, bool, error) {
	f.requests = append(f.requests, p)
	if f.requestFn != nil {
		return f.requestFn(ctx, p)
	}
	return store.ExportJob{ID: 1, Status: store.ExportPending}, true, nil
}

func (f *fakeExporter) Fetch(ctx context.Context, id int64) (export.Result, error) {
	if f.fetchFn != nil {
		return f.fetchFn(ctx, id)
	}
	return export.Result{}, export.ErrJobNotFound
}

type fakeSearch struct {
	indexed []int64
	deleted []int64
	queries []search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{}, Query: q.Text, Backend: "fake"}
}

func (f *fakeSearch) IndexComment(c store.Comment) { f.indexed = append(f.indexed, c.ID) }

func (f *fakeSearch) DeleteComment(id int64) { f.deleted = append(f.deleted, id) }

type testDeps struct {
	store    *fakeStore
	notifier *fakeNotifier
	exports  *fakeExporter
	search   *fakeSearch
}

func newTestService() (*Service, *testDeps) {
	deps := &testDeps{
		store:    &fakeStore{},
		notifier: &fakeNotifier{},
		exports:  &fakeExporter{},
		search:   &fakeSearch{},
	}
	return NewService(deps.store, deps.notifier, deps.exports, deps.search, nil), deps
}

const testSecret = "test-secret"

func newTestServer() (*HTTPServer, *testDeps) {
	svc, deps := newTestService()
	return NewHTTPServer(svc, "*", testSecret, nil), deps
}
