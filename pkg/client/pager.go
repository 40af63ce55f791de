package client

// Pager gates list navigation.
type Pager struct {
	Page       int
	TotalPages int
}

// HasPrev reports whether a previous page exists; false on page 1.
func (p Pager) HasPrev() bool { return p.Page > 1 }

// HasNext reports whether a next page exists; false on the last page.
func (p Pager) HasNext() bool { return p.Page < p.TotalPages }

// Prev returns the previous page number, staying on page 1.
func (p Pager) Prev() int {
	if !p.HasPrev() {
		return max(p.Page, 1)
	}
	return p.Page - 1
}

// Next returns the next page number, staying on the last page.
func (p Pager) Next() int {
	if !p.HasNext() {
		return p.Page
	}
	return p.Page + 1
}
