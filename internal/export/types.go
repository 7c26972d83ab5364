// Package export renders comment exports on a worker pool and serves each
// rendered file once.
package export

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"remark/api/internal/entity"
	"remark/api/internal/store"
)

// Format represents the export output format
type Format string

const (
	FormatXML  Format = "xml"
	FormatJSON Format = "json"

	DefaultFormat = FormatXML
)

func (f Format) Supported() bool {
	return f == FormatXML || f == FormatJSON
}

func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatXML:
		return "text/xml"
	default:
		return "application/octet-stream"
	}
}

func (f Format) Filename() string {
	return "comments." + string(f)
}

// DateLayout is DD-MM-YYYY.
const DateLayout = "02-01-2006"

// ParseDate returns nil for an empty or malformed value.
func ParseDate(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	day, err := time.ParseInLocation(DateLayout, value, time.UTC)
	if err != nil {
		return nil
	}
	return &day
}

// Params identify an export. Exactly one of AuthorID or Entity is set.
// DateFrom and DateTo are inclusive calendar days.
type Params struct {
	Format   Format
	AuthorID *int64
	Entity   *entity.Ref
	DateFrom *time.Time
	DateTo   *time.Time
}

func (p Params) Validate() error {
	switch {
	case p.AuthorID != nil && p.Entity != nil:
		return fmt.Errorf("%w: author and entity are mutually exclusive", ErrInvalidParameters)
	case p.AuthorID == nil && p.Entity == nil:
		return fmt.Errorf("%w: either author or entity is required", ErrInvalidParameters)
	case p.Entity != nil:
		if err := p.Entity.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
	}
	return nil
}

// withDefaults fills the format and truncates dates to the day.
func (p Params) withDefaults() Params {
	if p.Format == "" {
		p.Format = DefaultFormat
	}
	p.Format = Format(strings.ToLower(string(p.Format)))
	p.DateFrom = truncateDay(p.DateFrom)
	p.DateTo = truncateDay(p.DateTo)
	return p
}

func truncateDay(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	y, m, d := t.UTC().Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &day
}

// bounds converts the inclusive day range to a half-open timestamp range.
func (p Params) bounds() (from, to *time.Time) {
	if p.DateTo != nil {
		end := p.DateTo.AddDate(0, 0, 1)
		to = &end
	}
	return p.DateFrom, to
}

func (p Params) job(fingerprint string) store.ExportJob {
	job := store.ExportJob{
		Fingerprint: fingerprint,
		FileFormat:  string(p.Format),
		AuthorID:    p.AuthorID,
		DateFrom:    p.DateFrom,
		DateTo:      p.DateTo,
	}
	if p.Entity != nil {
		id, kind := p.Entity.ID, p.Entity.Kind
		job.EntityID = &id
		job.EntityKind = &kind
	}
	return job
}

// ParamsFromJob rebuilds the parameters a job was created with.
func ParamsFromJob(job store.ExportJob) Params {
	p := Params{
		Format:   Format(job.FileFormat),
		AuthorID: job.AuthorID,
		DateFrom: job.DateFrom,
		DateTo:   job.DateTo,
	}
	if job.EntityID != nil && job.EntityKind != nil {
		ref := entity.NewRef(*job.EntityKind, *job.EntityID)
		p.Entity = &ref
	}
	return p
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrInvalidParameters is returned before any storage is touched.
	ErrInvalidParameters = errors.New("invalid export parameters")
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrNotReady means the job exists but its render has not finished.
	ErrNotReady    = errors.New("export not ready")
	ErrJobNotFound = errors.New("export job not found")
	// ErrRenderFailed carries the stored failure reason of a job.
	ErrRenderFailed = errors.New("export render failed")
)
