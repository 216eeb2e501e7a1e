package registry

import (
	"fmt"
	"net/url"
	"testing"

	"github.com/markus-barta/nmosmocks/internal/resource"
	"github.com/markus-barta/nmosmocks/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seed registers senders s1..sN with versions 1:0..N:0.
func seed(t *testing.T, r *Registry, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := r.Add(ownerA, version.V1_3, resource.Sender, doc(fmt.Sprintf("s%02d", i), fmt.Sprintf("%d:0", i)))
		require.NoError(t, err)
	}
}

func ids(items []map[string]any) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, idOf(it))
	}
	return out
}

func vp(s string) *version.Version {
	v := version.MustParse(s)
	return &v
}

func TestParseListParams(t *testing.T) {
	p, err := ParseListParams(url.Values{
		"id":           {"abc"},
		"paging.since": {"1:5"},
		"paging.limit": {"3"},
		"label":        {"ignored"},
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", p.ID)
	assert.Equal(t, version.MustParse("1:5"), *p.Since)
	assert.Nil(t, p.Until)
	assert.Equal(t, 3, p.Limit)

	_, err = ParseListParams(url.Values{"query.rql": {"eq(label,foo)"}})
	assert.ErrorIs(t, err, ErrNotImplemented)

	_, err = ParseListParams(url.Values{"paging.until": {"bogus"}})
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = ParseListParams(url.Values{"paging.limit": {"0"}})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestList_DefaultWindow(t *testing.T) {
	r := newTestRegistry(t)
	seed(t, r, 5)

	page, err := r.Query().List(resource.Sender, ListParams{}, version.V1_3)
	require.NoError(t, err)
	assert.True(t, page.Paged)
	assert.Equal(t, []string{"s01", "s02", "s03", "s04", "s05"}, ids(page.Items))
	assert.Equal(t, version.Zero, page.Since)
	assert.Equal(t, 10, page.Limit)
}

func TestList_LimitIsCappedByMaximum(t *testing.T) {
	r := newTestRegistry(t)
	seed(t, r, 12)

	page, err := r.Query().List(resource.Sender, ListParams{Limit: 50}, version.V1_3)
	require.NoError(t, err)
	assert.Len(t, page.Items, 10)
	assert.Equal(t, 10, page.Limit)
	assert.Equal(t, version.MustParse("10:0"), page.Until)
}

func TestList_ForwardFromSince(t *testing.T) {
	r := newTestRegistry(t)
	seed(t, r, 8)

	page, err := r.Query().List(resource.Sender, ListParams{Since: vp("2:0"), Limit: 3}, version.V1_3)
	require.NoError(t, err)
	assert.Equal(t, []string{"s03", "s04", "s05"}, ids(page.Items))
	assert.Equal(t, version.MustParse("2:0"), page.Since)
	assert.Equal(t, version.MustParse("5:0"), page.Until)
}

func TestList_BackwardFromUntil(t *testing.T) {
	r := newTestRegistry(t)
	seed(t, r, 8)

	page, err := r.Query().List(resource.Sender, ListParams{Until: vp("7:0"), Limit: 3}, version.V1_3)
	require.NoError(t, err)
	assert.Equal(t, []string{"s05", "s06", "s07"}, ids(page.Items))
	assert.Equal(t, version.MustParse("4:0"), page.Since)
	assert.Equal(t, version.MustParse("7:0"), page.Until)
}

func TestList_WindowBounds(t *testing.T) {
	r := newTestRegistry(t)
	seed(t, r, 8)

	page, err := r.Query().List(resource.Sender, ListParams{Since: vp("3:0"), Until: vp("6:0"), Limit: 10}, version.V1_3)
	require.NoError(t, err)
	assert.Equal(t, []string{"s04", "s05", "s06"}, ids(page.Items))

	for _, it := range page.Items {
		v := version.MustParse(it["version"].(string))
		assert.True(t, version.Compare(v, page.Since) > 0)
		assert.True(t, version.Compare(v, page.Until) <= 0)
	}
}

func TestList_SinceAfterUntil(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Query().List(resource.Sender, ListParams{Since: vp("5:0"), Until: vp("4:0")}, version.V1_3)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestList_NoPagingBeforeV13(t *testing.T) {
	r := newTestRegistry(t)
	for i := 1; i <= 12; i++ {
		_, err := r.Add(ownerA, version.V1_2, resource.Sender, doc(fmt.Sprintf("s%02d", i), fmt.Sprintf("%d:0", i)))
		require.NoError(t, err)
	}

	page, err := r.Query().List(resource.Sender, ListParams{Limit: 2}, version.V1_2)
	require.NoError(t, err)
	assert.False(t, page.Paged)
	assert.Len(t, page.Items, 12)
}

func TestList_IDFilter(t *testing.T) {
	r := newTestRegistry(t)
	seed(t, r, 3)

	page, err := r.Query().List(resource.Sender, ListParams{ID: "s02"}, version.V1_3)
	require.NoError(t, err)
	assert.Equal(t, []string{"s02"}, ids(page.Items))
}

func TestGetOne_Downgrades(t *testing.T) {
	r := newTestRegistry(t)
	data := doc("S", "1:0")
	data["caps"] = map[string]any{}
	data["interface_bindings"] = []any{"eth0"}
	_, err := r.Add(ownerA, version.V1_3, resource.Sender, data)
	require.NoError(t, err)

	got, err := r.Query().GetOne(resource.Sender, "S", version.V1_2)
	require.NoError(t, err)
	assert.NotContains(t, got, "caps")
	assert.Contains(t, got, "interface_bindings")
	assert.Contains(t, r.Resources(resource.Sender)["S"], "caps", "stored document is not modified")

	got, err = r.Query().GetOne(resource.Sender, "S", version.V1_3)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestGetOne_NewerThanRegistration(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Add(ownerA, version.V1_1, resource.Node, doc("N", "1:0"))
	require.NoError(t, err)

	_, err = r.Query().GetOne(resource.Node, "N", version.V1_3)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Query().GetOne(resource.Node, "N", version.V1_0)
	assert.NoError(t, err)
}
