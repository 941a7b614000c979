package jsonapi

import (
	"net/url"
	"strconv"
)

// MaxPerPage caps the page size a client can ask for.
const MaxPerPage = 100

// Pagination describes one page of an in-memory list.
type Pagination struct {
	Total   int64
	Page    int // 1-based
	PerPage int
	BaseURL string // links are omitted when empty
}

// NewPagination clamps page and perPage to at least 1; a perPage below 1
// becomes 20.
func NewPagination(total int64, page, perPage int, baseURL string) *Pagination {
	if perPage < 1 {
		perPage = 20
	}
	return &Pagination{Total: total, Page: max(page, 1), PerPage: perPage, BaseURL: baseURL}
}

// TotalPages is never less than 1, so an empty list still has a first page.
func (p *Pagination) TotalPages() int {
	pages := int((p.Total + int64(p.PerPage) - 1) / int64(p.PerPage))
	return max(pages, 1)
}

// Window returns the [lo, hi) slice bounds of the current page. A page past
// the end yields an empty window at Total.
func (p *Pagination) Window() (lo, hi int) {
	total := int(p.Total)
	lo = min((p.Page-1)*p.PerPage, total)
	hi = min(lo+p.PerPage, total)
	return lo, hi
}

// Meta returns the total, page, per_page and pages members.
func (p *Pagination) Meta() Meta {
	return Meta{
		"total":    p.Total,
		"page":     p.Page,
		"per_page": p.PerPage,
		"pages":    p.TotalPages(),
	}
}

// Links returns nil without a BaseURL.
func (p *Pagination) Links() *Links {
	if p.BaseURL == "" {
		return nil
	}
	last := p.TotalPages()
	links := &Links{
		Self:  p.pageURL(p.Page),
		First: p.pageURL(1),
		Last:  p.pageURL(last),
	}
	if p.Page > 1 {
		links.Prev = p.pageURL(p.Page - 1)
	}
	if p.Page < last {
		links.Next = p.pageURL(p.Page + 1)
	}
	return links
}

func (p *Pagination) pageURL(page int) string {
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return p.BaseURL
	}
	q := u.Query()
	q.Set("page[number]", strconv.Itoa(page))
	q.Set("page[size]", strconv.Itoa(p.PerPage))
	u.RawQuery = q.Encode()
	return u.String()
}

// ParsePaginationParams reads page[number] and page[size], falling back to
// page and per_page. Missing or non-positive values take the defaults and
// perPage is capped at MaxPerPage.
func ParsePaginationParams(query url.Values, defaultPerPage int) (page, perPage int) {
	page = firstPositive(query, 1, "page[number]", "page")
	perPage = firstPositive(query, defaultPerPage, "page[size]", "per_page")
	return page, min(perPage, MaxPerPage)
}

func firstPositive(query url.Values, def int, keys ...string) int {
	for _, k := range keys {
		if n, err := strconv.Atoi(query.Get(k)); err == nil && n > 0 {
			return n
		}
	}
	return def
}
