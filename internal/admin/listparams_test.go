package admin

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseListParamsDefaults(t *testing.T) {
	p, err := ParseListParams(url.Values{})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 10, p.Limit)
	assert.Equal(t, SortAsc, p.SortBy)
	assert.Equal(t, MatchExact, p.ExactMatch)
}

func TestParseListParamsLimitWinsOverPageNum(t *testing.T) {
	p, err := ParseListParams(url.Values{"limit": {"5"}, "page_num": {"50"}})
	require.NoError(t, err)
	assert.Equal(t, 5, p.Limit)
}

func TestParseListParamsFallsBackToPageNum(t *testing.T) {
	p, err := ParseListParams(url.Values{"page_num": {"25"}})
	require.NoError(t, err)
	assert.Equal(t, 25, p.Limit)
}

func TestParseListParamsRejectsNonNumeric(t *testing.T) {
	_, err := ParseListParams(url.Values{"page": {"abc"}})
	assert.Error(t, err)
}

func TestParseListParamsClampsNonPositive(t *testing.T) {
	p, err := ParseListParams(url.Values{"page": {"0"}, "limit": {"-3"}})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 10, p.Limit)
}

func TestPaginateSlicesByPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	p := ListParams{Page: 2, Limit: 3}
	assert.Equal(t, []int{4, 5, 6}, Paginate(items, p))
}

func TestPaginatePastEndReturnsEmpty(t *testing.T) {
	items := []int{1, 2}
	p := ListParams{Page: 5, Limit: 10}
	assert.Empty(t, Paginate(items, p))
}

func TestSortItemsAscAndDesc(t *testing.T) {
	items := []int{3, 1, 2}
	SortItems(items, ListParams{SortBy: SortAsc}, func(a, b int) bool { return a < b })
	assert.Equal(t, []int{1, 2, 3}, items)

	items = []int{3, 1, 2}
	SortItems(items, ListParams{SortBy: SortDesc}, func(a, b int) bool { return a < b })
	assert.Equal(t, []int{3, 2, 1}, items)
}

func TestMatchFilterExactAndFuzzy(t *testing.T) {
	exact := ListParams{FilterField: "username", FilterValues: []string{"alice"}, ExactMatch: MatchExact}
	assert.True(t, MatchFilter(exact, "alice"))
	assert.False(t, MatchFilter(exact, "Alice"))

	fuzzy := ListParams{FilterField: "username", FilterValues: []string{"ALI"}, ExactMatch: MatchFuzzy}
	assert.True(t, MatchFilter(fuzzy, "alice"))

	noFilter := ListParams{}
	assert.True(t, MatchFilter(noFilter, "anything"))
}
