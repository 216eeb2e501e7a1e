// T02 - Query API paging
package integration

import (
	"fmt"
	"net/http"
	"regexp"
	"testing"
)

var nextLink = regexp.MustCompile(`<([^>]+)>; rel="next"`)

// TestPaging_FollowsNextLinks walks a collection one page at a time.
// Given: a registry with a paging limit of 2 and five nodes
// When: a client follows the Link rel="next" cursor
// Then: it sees every node exactly once, oldest first
func TestPaging_FollowsNextLinks(t *testing.T) {
	h := NewHarness(t, harnessOptions{pagingLimit: 2})
	h.Registries.Registry(1).Enable(false)

	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("node-%d", i)
		if resp := h.Register(1, "v1.3", "node", nodeDoc(id, fmt.Sprintf("%d:0", i)), ""); resp.Status != http.StatusCreated {
			t.Fatalf("register %s: %d %s", id, resp.Status, resp.Body)
		}
	}

	url := h.URL(1) + "/x-nmos/query/v1.3/nodes"
	var seen []string
	for page := 0; page < 3; page++ {
		resp := Do(t, http.MethodGet, url, "", "")
		if resp.Status != http.StatusOK {
			t.Fatalf("page %d: %d %s", page, resp.Status, resp.Body)
		}
		if got := resp.Header.Get("X-Paging-Limit"); got != "2" {
			t.Errorf("page %d: X-Paging-Limit %q", page, got)
		}

		var nodes []map[string]any
		resp.JSON(t, &nodes)
		for _, n := range nodes {
			seen = append(seen, n["id"].(string))
		}

		m := nextLink.FindStringSubmatch(resp.Header.Get("Link"))
		if m == nil {
			t.Fatalf("page %d: no next link in %q", page, resp.Header.Get("Link"))
		}
		url = m[1]
	}

	want := []string{"node-1", "node-2", "node-3", "node-4", "node-5"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("paged ids = %v, want %v", seen, want)
	}
}

// TestPaging_UntilAnchorsWindow checks that paging.until alone returns the
// newest items before it.
func TestPaging_UntilAnchorsWindow(t *testing.T) {
	h := NewHarness(t, harnessOptions{pagingLimit: 10})
	h.Registries.Registry(1).Enable(false)

	for i := 1; i <= 4; i++ {
		h.Register(1, "v1.3", "node", nodeDoc(fmt.Sprintf("node-%d", i), fmt.Sprintf("%d:0", i)), "")
	}

	resp := Do(t, http.MethodGet, h.URL(1)+"/x-nmos/query/v1.3/nodes?paging.until=3:0&paging.limit=2", "", "")
	if resp.Status != http.StatusOK {
		t.Fatalf("query: %d %s", resp.Status, resp.Body)
	}
	var nodes []map[string]any
	resp.JSON(t, &nodes)
	if len(nodes) != 2 || nodes[0]["id"] != "node-2" || nodes[1]["id"] != "node-3" {
		t.Errorf("window = %v", nodes)
	}
	if got := resp.Header.Get("X-Paging-Since"); got != "1:0" {
		t.Errorf("X-Paging-Since = %q, want 1:0", got)
	}
	if got := resp.Header.Get("X-Paging-Until"); got != "3:0" {
		t.Errorf("X-Paging-Until = %q, want 3:0", got)
	}
}

// TestPaging_Errors covers malformed and unsupported query parameters.
func TestPaging_Errors(t *testing.T) {
	h := NewHarness(t, harnessOptions{})
	h.Registries.Registry(1).Enable(false)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"since after until", "paging.since=5:0&paging.until=1:0", http.StatusBadRequest},
		{"bad limit", "paging.limit=0", http.StatusBadRequest},
		{"bad timestamp", "paging.since=yesterday", http.StatusBadRequest},
		{"rql", "query.rql=eq(label,foo)", http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Do(t, http.MethodGet, h.URL(1)+"/x-nmos/query/v1.3/nodes?"+tt.query, "", "")
			if resp.Status != tt.want {
				t.Errorf("want %d, got %d %s", tt.want, resp.Status, resp.Body)
			}
		})
	}
}

// TestPaging_OldAPIUnpaged checks that v1.0 queries carry no paging headers.
func TestPaging_OldAPIUnpaged(t *testing.T) {
	h := NewHarness(t, harnessOptions{pagingLimit: 1})
	h.Registries.Registry(1).Enable(false)

	h.Register(1, "v1.3", "node", nodeDoc("old-node", "1:0"), "")
	h.Register(1, "v1.3", "node", nodeDoc("other-node", "2:0"), "")

	resp := Do(t, http.MethodGet, h.URL(1)+"/x-nmos/query/v1.0/nodes", "", "")
	if resp.Status != http.StatusOK {
		t.Fatalf("query: %d", resp.Status)
	}
	if resp.Header.Get("Link") != "" {
		t.Errorf("v1.0 response has a Link header")
	}
	var nodes []map[string]any
	resp.JSON(t, &nodes)
	if len(nodes) != 2 {
		t.Fatalf("want both nodes unpaged, got %d", len(nodes))
	}
	if _, ok := nodes[0]["interfaces"]; ok {
		t.Errorf("v1.0 view still has the v1.3 interfaces attribute")
	}
}
