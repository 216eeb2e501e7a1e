package registryapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/markus-barta/nmosmocks/internal/registry"
)

// setPagingHeaders writes the X-Paging-* headers and the Link header with
// prev, next, first and last cursors for page.
func setPagingHeaders(w http.ResponseWriter, r *http.Request, page registry.Page) {
	limit := strconv.Itoa(page.Limit)
	since, until := page.Since.String(), page.Until.String()

	h := w.Header()
	h.Set("X-Paging-Limit", limit)
	h.Set("X-Paging-Since", since)
	h.Set("X-Paging-Until", until)

	base := requestURL(r)
	links := []string{
		link(base, "prev", map[string]string{"paging.until": since, "paging.limit": limit}),
		link(base, "next", map[string]string{"paging.since": until, "paging.limit": limit}),
		link(base, "first", map[string]string{"paging.since": "0:0", "paging.limit": limit}),
		link(base, "last", map[string]string{"paging.until": page.Latest.String(), "paging.limit": limit}),
	}
	h.Set("Link", strings.Join(links, ", "))
}

// requestURL returns the absolute request URL without paging parameters.
func requestURL(r *http.Request) *url.URL {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	q := r.URL.Query()
	for key := range q {
		if strings.HasPrefix(key, "paging.") {
			q.Del(key)
		}
	}
	return &url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path, RawQuery: q.Encode()}
}

func link(base *url.URL, rel string, params map[string]string) string {
	u := *base
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return fmt.Sprintf("<%s>; rel=%q", u.String(), rel)
}
