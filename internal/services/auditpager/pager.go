package auditpager

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/observable"
	"github.com/BearBump/GeoSync/internal/syncerr"
	"github.com/pkg/errors"
)

const (
	DefaultPageSize     = 20
	DefaultFetchTimeout = 15 * time.Second
)

var ErrClosed = errors.New("audit pager closed")

type PageQuerier interface {
	QueryPage(ctx context.Context, q models.PageQuery) (models.Page, error)
}

// View is what consumers render.
type View struct {
	Entries      []models.AuditEntry `json:"entries"`
	HasMorePages bool                `json:"has_more_pages"`
	IsLoading    bool                `json:"is_loading"`
	LastError    *syncerr.Kind       `json:"last_error,omitempty"`
	Cursor       models.Cursor       `json:"cursor"`
	Filter       *models.AuditFilter `json:"filter,omitempty"`
}

// Pager browses the audit log newest first, one page at a time.
// Refresh, LoadMore and LoadFiltered share one in-flight guard: a call made
// while another load runs returns immediately without fetching.
type Pager struct {
	querier      PageQuerier
	collection   string
	pageSize     int
	fetchTimeout time.Duration

	base       context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	loading bool
	entries []models.AuditEntry
	seen    map[string]struct{}
	cursor  models.Cursor
	hasMore bool
	filter  *models.AuditFilter
	lastErr *syncerr.Kind

	view *observable.Value[View]

	totalFetches  atomic.Int64
	totalFailures atomic.Int64
	totalDropped  atomic.Int64
	totalSkipped  atomic.Int64
}

func New(querier PageQuerier) *Pager {
	base, cancel := context.WithCancel(context.Background())
	p := &Pager{
		querier:      querier,
		collection:   models.CollectionAuditLogs,
		pageSize:     DefaultPageSize,
		fetchTimeout: DefaultFetchTimeout,
		base:         base,
		cancelBase:   cancel,
		seen:         make(map[string]struct{}),
		hasMore:      true,
	}
	p.view = observable.New(p.viewLocked())
	return p
}

type Settings struct {
	PageSize     int
	FetchTimeout time.Duration
	Collection   string
}

func (p *Pager) WithSettings(s Settings) *Pager {
	if s.PageSize > 0 {
		p.pageSize = s.PageSize
	}
	if s.FetchTimeout > 0 {
		p.fetchTimeout = s.FetchTimeout
	}
	if s.Collection != "" {
		p.collection = s.Collection
	}
	p.view.Set(p.viewLocked())
	return p
}

func (p *Pager) PageSize() int { return p.pageSize }

func (p *Pager) View() View { return p.view.Get() }

func (p *Pager) Watch() (<-chan View, func()) { return p.view.Watch() }

// Refresh resets the cursor and the filter and replaces the list with the
// newest page.
func (p *Pager) Refresh(ctx context.Context) error {
	return p.reload(ctx, nil)
}

// LoadFiltered is Refresh with an upstream filter that later LoadMore calls
// keep using.
func (p *Pager) LoadFiltered(ctx context.Context, filter models.AuditFilter) error {
	if filter.IsZero() {
		return p.reload(ctx, nil)
	}
	return p.reload(ctx, &filter)
}

func (p *Pager) reload(ctx context.Context, filter *models.AuditFilter) error {
	p.mu.Lock()
	if err := p.base.Err(); err != nil {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.loading {
		p.mu.Unlock()
		p.totalSkipped.Add(1)
		return nil
	}
	prevCursor, prevFilter := p.cursor, p.filter
	p.loading = true
	p.cursor = ""
	p.filter = filter
	p.publishLocked()
	q := p.queryLocked()
	p.mu.Unlock()

	page, err := p.fetch(ctx, q)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.loading = false
	if err != nil {
		p.cursor, p.filter = prevCursor, prevFilter
		return p.failLocked(err, "refresh")
	}

	entries := p.decode(page.Items)
	p.entries = p.entries[:0:0]
	p.seen = make(map[string]struct{}, len(entries))
	p.appendLocked(entries)
	p.cursor = page.LastCursor
	p.hasMore = len(page.Items) == p.pageSize
	p.lastErr = nil
	p.publishLocked()
	return nil
}

// LoadMore appends the page after the cursor. It is a no-op while a load
// is in flight or when the last page was short.
func (p *Pager) LoadMore(ctx context.Context) error {
	p.mu.Lock()
	if err := p.base.Err(); err != nil {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.loading || !p.hasMore {
		p.mu.Unlock()
		p.totalSkipped.Add(1)
		return nil
	}
	p.loading = true
	p.publishLocked()
	q := p.queryLocked()
	p.mu.Unlock()

	page, err := p.fetch(ctx, q)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.loading = false
	if err != nil {
		return p.failLocked(err, "load more")
	}

	p.appendLocked(p.decode(page.Items))
	if page.LastCursor != "" {
		p.cursor = page.LastCursor
	}
	p.hasMore = len(page.Items) == p.pageSize
	p.lastErr = nil
	p.publishLocked()
	return nil
}

// Close cancels an in-flight fetch. Later loads fail with ErrClosed.
func (p *Pager) Close() {
	p.cancelBase()
}

func (p *Pager) queryLocked() models.PageQuery {
	q := models.PageQuery{
		Collection: p.collection,
		OrderBy:    models.OrderBy{Field: models.FieldOccurredAt, Desc: true},
		Cursor:     p.cursor,
		Limit:      p.pageSize,
	}
	if p.filter != nil {
		q.Filter = *p.filter
	}
	return q
}

// fetch runs the query bounded by both ctx and the pager lifetime.
func (p *Pager) fetch(ctx context.Context, q models.PageQuery) (models.Page, error) {
	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()
	stop := context.AfterFunc(p.base, cancel)
	defer stop()

	p.totalFetches.Add(1)
	page, err := p.querier.QueryPage(ctx, q)
	if err != nil {
		return models.Page{}, err
	}
	return page, nil
}

func (p *Pager) failLocked(err error, op string) error {
	p.totalFailures.Add(1)
	k := syncerr.FetchFailed
	p.lastErr = &k
	p.publishLocked()
	slog.Warn("audit page fetch failed", "op", op, "error", err.Error())
	return syncerr.Wrap(err, syncerr.FetchFailed, op)
}

func (p *Pager) decode(items []models.Document) []models.AuditEntry {
	out := make([]models.AuditEntry, 0, len(items))
	for _, d := range items {
		e, err := models.DecodeAuditEntry(d.ID, d.Fields)
		if err != nil {
			p.totalDropped.Add(1)
			slog.Warn("drop audit document", "id", d.ID, "error", err.Error())
			continue
		}
		out = append(out, e)
	}
	return out
}

func (p *Pager) appendLocked(entries []models.AuditEntry) {
	for _, e := range entries {
		if _, dup := p.seen[e.ID]; dup {
			continue
		}
		p.seen[e.ID] = struct{}{}
		p.entries = append(p.entries, e)
	}
}

func (p *Pager) publishLocked() {
	p.view.Set(p.viewLocked())
}

func (p *Pager) viewLocked() View {
	v := View{
		Entries:      append([]models.AuditEntry(nil), p.entries...),
		HasMorePages: p.hasMore,
		IsLoading:    p.loading,
		Cursor:       p.cursor,
	}
	if p.lastErr != nil {
		k := *p.lastErr
		v.LastError = &k
	}
	if p.filter != nil {
		f := *p.filter
		v.Filter = &f
	}
	return v
}

type Stats struct {
	Entries       int   `json:"entries"`
	TotalFetches  int64 `json:"totalFetches"`
	TotalFailures int64 `json:"totalFailures"`
	TotalDropped  int64 `json:"totalDropped"`
	TotalSkipped  int64 `json:"totalSkipped"`
}

func (p *Pager) Stats() Stats {
	p.mu.Lock()
	n := len(p.entries)
	p.mu.Unlock()
	return Stats{
		Entries:       n,
		TotalFetches:  p.totalFetches.Load(),
		TotalFailures: p.totalFailures.Load(),
		TotalDropped:  p.totalDropped.Load(),
		TotalSkipped:  p.totalSkipped.Load(),
	}
}
