// Package admin holds the one piece of the admin surface this module
// owns: parsing and applying a paginated list request. The surface
// itself (JSON-over-HTTP handlers for sessions/topics/subscriptions/
// users/ACLs/connectors/schemas) is an external collaborator
// (section 6) and out of scope here.
package admin

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/nimbusmq/broker/internal/errors"
)

// SortOrder is sort_by's two accepted values.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// MatchMode is exact_match's two accepted values.
type MatchMode string

const (
	MatchExact MatchMode = "exact"
	MatchFuzzy MatchMode = "fuzzy"
)

// ListParams is a parsed list-request (section 6): 1-indexed
// pagination, an optional sort field/order, and an optional
// filter field/values with an exact-or-fuzzy match mode.
//
// The source admin surface has two independent field spellings for
// the same pagination request (limit/page and page_num/page); which
// one is canonical is left open by spec.md §9. ParseListParams accepts
// both and documents limit/page as primary: when a request sets both
// limit and page_num, limit wins.
type ListParams struct {
	Page  int
	Limit int

	SortField string
	SortBy    SortOrder

	FilterField  string
	FilterValues []string
	ExactMatch   MatchMode
}

const (
	defaultPage  = 1
	defaultLimit = 10
)

// ParseListParams reads q per section 6's query parameters, applying
// defaults page=1, limit=10 and clamping negative/zero values back to
// those defaults rather than erroring, since a malformed pagination
// request does not need to fail the whole list call.
func ParseListParams(q url.Values) (ListParams, error) {
	p := ListParams{Page: defaultPage, Limit: defaultLimit}

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ListParams{}, errors.WithKind(errors.Wrap(err, "admin: invalid page"), errors.KindProtocol)
		}
		p.Page = n
	}

	limitSet := false
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ListParams{}, errors.WithKind(errors.Wrap(err, "admin: invalid limit"), errors.KindProtocol)
		}
		p.Limit = n
		limitSet = true
	}
	if !limitSet {
		if v := q.Get("page_num"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return ListParams{}, errors.WithKind(errors.Wrap(err, "admin: invalid page_num"), errors.KindProtocol)
			}
			p.Limit = n
		}
	}

	if p.Page < 1 {
		p.Page = defaultPage
	}
	if p.Limit < 1 {
		p.Limit = defaultLimit
	}

	p.SortField = q.Get("sort_field")
	switch SortOrder(q.Get("sort_by")) {
	case SortDesc:
		p.SortBy = SortDesc
	default:
		p.SortBy = SortAsc
	}

	p.FilterField = q.Get("filter_field")
	p.FilterValues = q["filter_values"]
	switch MatchMode(q.Get("exact_match")) {
	case MatchFuzzy:
		p.ExactMatch = MatchFuzzy
	default:
		p.ExactMatch = MatchExact
	}

	return p, nil
}

// Offset is the zero-based index of the first item on Page.
func (p ListParams) Offset() int { return (p.Page - 1) * p.Limit }

// Paginate slices items to this page, returning an empty (not nil)
// slice when the page is past the end rather than panicking.
func Paginate[T any](items []T, p ListParams) []T {
	start := p.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// SortItems orders items in place by less, ascending or descending per
// p.SortBy. The caller supplies less for its own item type since this
// package has no knowledge of session/topic/user field layouts.
func SortItems[T any](items []T, p ListParams, less func(a, b T) bool) {
	if p.SortBy == SortDesc {
		sort.SliceStable(items, func(i, j int) bool { return less(items[j], items[i]) })
		return
	}
	sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })
}

// MatchFilter reports whether value satisfies p's filter, per
// ExactMatch. An empty FilterField/FilterValues means "no filter",
// matching everything.
func MatchFilter(p ListParams, value string) bool {
	if p.FilterField == "" || len(p.FilterValues) == 0 {
		return true
	}
	for _, want := range p.FilterValues {
		switch p.ExactMatch {
		case MatchFuzzy:
			if strings.Contains(strings.ToLower(value), strings.ToLower(want)) {
				return true
			}
		default:
			if value == want {
				return true
			}
		}
	}
	return false
}
