package registry

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/markus-barta/nmosmocks/internal/resource"
	"github.com/markus-barta/nmosmocks/internal/version"
)

// ListParams are the honoured Query API parameters: an exact id match and
// the paging cursors. Nil cursors take their defaults.
type ListParams struct {
	ID    string
	Since *version.Version
	Until *version.Version
	Limit int
}

// ParseListParams reads ListParams from a query string. Any query.rql
// parameter is rejected with ErrNotImplemented; other parameters are ignored.
func ParseListParams(q url.Values) (ListParams, error) {
	var p ListParams
	for key := range q {
		if strings.HasPrefix(key, "query.rql") {
			return ListParams{}, fmt.Errorf("%w: RQL queries", ErrNotImplemented)
		}
	}

	p.ID = q.Get("id")
	if s := q.Get("paging.since"); s != "" {
		v, err := version.Parse(s)
		if err != nil {
			return ListParams{}, fmt.Errorf("%w: paging.since: %v", ErrBadRequest, err)
		}
		p.Since = &v
	}
	if s := q.Get("paging.until"); s != "" {
		v, err := version.Parse(s)
		if err != nil {
			return ListParams{}, fmt.Errorf("%w: paging.until: %v", ErrBadRequest, err)
		}
		p.Until = &v
	}
	if s := q.Get("paging.limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return ListParams{}, fmt.Errorf("%w: paging.limit must be a positive integer", ErrBadRequest)
		}
		p.Limit = n
	}
	return p, nil
}

// Page is the result of a collection query. When Paged is set, Since, Until
// and Limit are the effective window to echo in paging headers, and Latest
// is the upper bound of the whole query, the cursor of the last page.
type Page struct {
	Items  []map[string]any
	Paged  bool
	Since  version.Version
	Until  version.Version
	Latest version.Version
	Limit  int
}

// QueryEngine answers Query API reads straight from the shared store.
type QueryEngine struct {
	id       string
	registry *Registry
	maxLimit int
	now      func() version.Version
}

// ID identifies the engine; it is the source_id of the grains it emits.
func (q *QueryEngine) ID() string {
	return q.id
}

// MaxLimit is the largest page returned.
func (q *QueryEngine) MaxLimit() int {
	return q.maxLimit
}

// GetOne returns one resource as seen at API version api.
func (q *QueryEngine) GetOne(t resource.Type, id string, api version.API) (map[string]any, error) {
	if !q.registry.Enabled() {
		return nil, ErrUnavailable
	}
	q.registry.markQueryAPICalled()

	c := q.registry.common
	c.mu.RLock()
	defer c.mu.RUnlock()

	doc := view(t, c.resources[t][id], api)
	if doc == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, t, id)
	}
	return doc, nil
}

// List returns the resources of type t visible at API version api. From
// version.PagingSince on, results are ordered by version and paged: every
// item has since < version <= until and at most limit items are returned.
// With only until given the window is anchored at until and runs backwards.
func (q *QueryEngine) List(t resource.Type, p ListParams, api version.API) (Page, error) {
	if !q.registry.Enabled() {
		return Page{}, ErrUnavailable
	}
	q.registry.markQueryAPICalled()

	paged := api.AtLeast(version.PagingSince)
	q.registry.metrics.QueryRequests.WithLabelValues(t.String(), strconv.FormatBool(paged)).Inc()

	since, until := version.Zero, q.now()
	if p.Since != nil {
		since = *p.Since
	}
	if p.Until != nil {
		until = *p.Until
	}
	if paged && version.Compare(since, until) > 0 {
		return Page{}, fmt.Errorf("%w: paging.since %s is after paging.until %s", ErrBadRequest, since, until)
	}

	limit := q.maxLimit
	if p.Limit > 0 && p.Limit < limit {
		limit = p.Limit
	}

	type item struct {
		doc map[string]any
		v   version.Version
	}

	c := q.registry.common
	c.mu.RLock()
	var all []item
	for _, e := range c.sortedEntriesLocked(t) {
		if p.ID != "" && idOf(e.data) != p.ID {
			continue
		}
		doc := view(t, e, api)
		if doc == nil {
			continue
		}
		if paged && (version.Compare(e.version, since) <= 0 || version.Compare(e.version, until) > 0) {
			continue
		}
		all = append(all, item{doc: doc, v: e.version})
	}
	c.mu.RUnlock()

	if !paged {
		page := Page{Items: make([]map[string]any, 0, len(all))}
		for _, it := range all {
			page.Items = append(page.Items, it.doc)
		}
		return page, nil
	}

	page := Page{Paged: true, Since: since, Until: until, Latest: until, Limit: limit}
	window := all
	if len(all) > limit {
		if p.Since == nil && p.Until != nil {
			window = all[len(all)-limit:]
			page.Since = all[len(all)-limit-1].v
		} else {
			window = all[:limit]
			if limit > 0 {
				page.Until = all[limit-1].v
			} else {
				page.Until = since
			}
		}
	}

	page.Items = make([]map[string]any, 0, len(window))
	for _, it := range window {
		page.Items = append(page.Items, it.doc)
	}
	return page, nil
}
