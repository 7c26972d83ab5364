package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"remark/api/internal/entity"
	"remark/api/internal/export"
	"remark/api/internal/logger"
	"remark/api/internal/notify"
	"remark/api/internal/policy"
	"remark/api/internal/search"
	"remark/api/internal/store"
)

type dataStore interface {
	CreateComment(context.Context, store.NewComment, *int64) (store.Comment, error)
	GetComment(context.Context, int64) (store.Comment, error)
	ListChildren(context.Context, entity.Ref) ([]store.Comment, error)
	ListDescendants(context.Context, entity.Ref, *time.Time, *time.Time) ([]store.Comment, error)
	ListCommentsByAuthor(context.Context, int64, *time.Time, *time.Time) ([]store.Comment, error)
	RootComment(context.Context, int64) (store.Comment, error)
	UpdateCommentText(context.Context, int64, string, *int64) (store.Comment, error)
	DeleteComment(context.Context, int64, *int64, store.DeleteGuard) (store.Comment, error)
	ListCommentLog(context.Context, int64) ([]store.CommentLog, error)
	CreateEntity(context.Context, entity.Kind) (entity.Ref, error)
	CreateSubscription(context.Context, int64, entity.Ref) (store.Subscription, bool, error)
	DeleteSubscription(context.Context, int64, entity.Ref) error
	ListSubscriptionsForUser(context.Context, int64) ([]store.Subscription, error)
	Ping(context.Context) error
}

type notifier interface {
	Notify(context.Context, notify.EventKind, store.Comment)
	Resolve(context.Context, int64) (notify.Target, error)
	PublishLogged(notify.Target, notify.EventKind, store.Comment)
}

type exporter interface {
	Request(context.Context, export.Params) (store.ExportJob, bool, error)
	Fetch(context.Context, int64) (export.Result, error)
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexComment(store.Comment)
	DeleteComment(int64)
}

type Service struct {
	store   dataStore
	notify  notifier
	exports exporter
	search  searchIndex
	log     *logger.Logger
}

func NewService(st dataStore, events notifier, exports exporter, index searchIndex, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store:   st,
		notify:  events,
		exports: exports,
		search:  index,
		log:     log.With("component", "service"),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type CreateCommentInput struct {
	AuthorID int64
	Text     string
	Parent   entity.Ref
}

func (s *Service) CreateComment(ctx context.Context, in CreateCommentInput, actor *int64) (store.Comment, error) {
	if in.AuthorID <= 0 {
		return store.Comment{}, validationError("author_id is required")
	}
	if strings.TrimSpace(in.Text) == "" {
		return store.Comment{}, validationError("text is required")
	}
	if err := in.Parent.Validate(); err != nil {
		return store.Comment{}, validationError(err.Error())
	}

	c, err := s.store.CreateComment(ctx, store.NewComment{AuthorID: in.AuthorID, Text: in.Text, Parent: in.Parent}, actor)
	if err != nil {
		return store.Comment{}, err
	}
	s.log.Info("comment created", "comment_id", c.ID, "parent", c.Parent().String())

	s.notify.Notify(ctx, notify.EventCreated, c)
	s.search.IndexComment(c)
	return c, nil
}

func (s *Service) GetComment(ctx context.Context, id int64) (store.Comment, error) {
	return s.store.GetComment(ctx, id)
}

func (s *Service) UpdateComment(ctx context.Context, id int64, text string, actor *int64) (store.Comment, error) {
	if strings.TrimSpace(text) == "" {
		return store.Comment{}, validationError("text is required")
	}
	if err := policy.Check(policy.ActionUpdate, policy.Subject{}); err != nil {
		return store.Comment{}, err
	}

	c, err := s.store.UpdateCommentText(ctx, id, text, actor)
	if err != nil {
		return store.Comment{}, err
	}
	s.notify.Notify(ctx, notify.EventUpdated, c)
	s.search.IndexComment(c)
	return c, nil
}

// DeleteComment refuses comments that still have replies. The audience is
// resolved before the row is gone and notified after the commit.
func (s *Service) DeleteComment(ctx context.Context, id int64, actor *int64) (store.Comment, error) {
	target, resolveErr := s.notify.Resolve(ctx, id)
	if errors.Is(resolveErr, store.ErrNotFound) {
		return store.Comment{}, store.ErrNotFound
	}

	deleted, err := s.store.DeleteComment(ctx, id, actor, func(_ store.Comment, hasChildren bool) error {
		return policy.Check(policy.ActionDelete, policy.Subject{HasChildren: hasChildren})
	})
	if err != nil {
		return store.Comment{}, err
	}
	s.log.Info("comment deleted", "comment_id", deleted.ID)

	if resolveErr != nil {
		s.log.Error("delete notification skipped", "comment_id", id, "error", resolveErr)
	} else {
		s.notify.PublishLogged(target, notify.EventDelete, deleted)
	}
	s.search.DeleteComment(deleted.ID)
	return deleted, nil
}

func (s *Service) Children(ctx context.Context, parent entity.Ref) ([]store.Comment, error) {
	if err := parent.Validate(); err != nil {
		return nil, validationError(err.Error())
	}
	return s.store.ListChildren(ctx, parent)
}

// Descendants lists the subtree below parent. dateFrom and dateTo are whole
// days, both inclusive.
func (s *Service) Descendants(ctx context.Context, parent entity.Ref, dateFrom, dateTo *time.Time) ([]store.Comment, error) {
	if err := parent.Validate(); err != nil {
		return nil, validationError(err.Error())
	}
	from, to := dayBounds(dateFrom, dateTo)
	return s.store.ListDescendants(ctx, parent, from, to)
}

func (s *Service) UserComments(ctx context.Context, authorID int64) ([]store.Comment, error) {
	return s.store.ListCommentsByAuthor(ctx, authorID, nil, nil)
}

func (s *Service) CommentLog(ctx context.Context, id int64) ([]store.CommentLog, error) {
	return s.store.ListCommentLog(ctx, id)
}

// RootEntity returns the entity the thread holding id hangs off.
func (s *Service) RootEntity(ctx context.Context, id int64) (entity.Ref, error) {
	root, err := s.store.RootComment(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrIntegrity) {
			s.log.Error("comment tree integrity violated", "comment_id", id, "error", err)
		}
		return entity.Ref{}, err
	}
	return root.Parent(), nil
}

func (s *Service) CreateEntity(ctx context.Context, kind entity.Kind) (entity.Ref, error) {
	if kind == entity.KindComment {
		return entity.Ref{}, validationError("comments are created through /api/comments")
	}
	return s.store.CreateEntity(ctx, kind)
}

func (s *Service) Subscribe(ctx context.Context, userID int64, target entity.Ref) (store.Subscription, bool, error) {
	if userID <= 0 {
		return store.Subscription{}, false, validationError("user_id is required")
	}
	if err := target.Validate(); err != nil {
		return store.Subscription{}, false, validationError(err.Error())
	}
	return s.store.CreateSubscription(ctx, userID, target)
}

func (s *Service) Unsubscribe(ctx context.Context, userID int64, target entity.Ref) error {
	if err := target.Validate(); err != nil {
		return validationError(err.Error())
	}
	return s.store.DeleteSubscription(ctx, userID, target)
}

func (s *Service) Subscriptions(ctx context.Context, userID int64) ([]store.Subscription, error) {
	return s.store.ListSubscriptionsForUser(ctx, userID)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

type ExportStatus string

const (
	// ExportCreated means this request scheduled the render.
	ExportCreated    ExportStatus = "created"
	ExportProcessing ExportStatus = "processing"
	ExportReady      ExportStatus = "ready"
	ExportFailed     ExportStatus = "failed"
)

type ExportOutcome struct {
	Status ExportStatus
	JobID  int64
	Result export.Result
	Reason string
}

// ExportComments requests an export and, when the job has finished, consumes it.
func (s *Service) ExportComments(ctx context.Context, params export.Params) (ExportOutcome, error) {
	// A finished job can be consumed by a concurrent caller between Request
	// and Fetch; one retry then creates a fresh job.
	for attempt := 0; ; attempt++ {
		job, created, err := s.exports.Request(ctx, params)
		if err != nil {
			return ExportOutcome{}, err
		}
		if created {
			return ExportOutcome{Status: ExportCreated, JobID: job.ID}, nil
		}
		if job.Status == store.ExportPending {
			return ExportOutcome{Status: ExportProcessing, JobID: job.ID}, nil
		}

		result, err := s.exports.Fetch(ctx, job.ID)
		switch {
		case err == nil:
			return ExportOutcome{Status: ExportReady, JobID: job.ID, Result: result}, nil
		case errors.Is(err, export.ErrNotReady):
			return ExportOutcome{Status: ExportProcessing, JobID: job.ID}, nil
		case errors.Is(err, export.ErrRenderFailed):
			return ExportOutcome{Status: ExportFailed, JobID: job.ID, Reason: err.Error()}, nil
		case errors.Is(err, export.ErrJobNotFound) && attempt == 0:
			continue
		default:
			return ExportOutcome{}, err
		}
	}
}

func dayBounds(dateFrom, dateTo *time.Time) (from, to *time.Time) {
	if dateTo != nil {
		end := dateTo.AddDate(0, 0, 1)
		to = &end
	}
	return dateFrom, to
}
