package collection

import (
	"sync"

	"github.com/ValentinKolb/dSync/lib/query"
)

// Pagination event types
const (
	// PaginationClientApply is emitted on the server when the client sent new
	// pagination parameters
	PaginationClientApply = "client:apply"
	// PaginationServerChange is emitted when the server pushed new pagination
	// state (usually a new total). It never means the data changed.
	PaginationServerChange = "server:change"
	// PaginationApply is emitted when the owner of the collection changed the
	// parameters on its side
	PaginationApply = "apply"
)

// PaginationState is a copy of the pagination parameters
type PaginationState struct {
	Active       bool           `json:"active"`
	Page         int            `json:"page"`
	ItemsPerPage int            `json:"itemsPerPage"`
	Total        int            `json:"total"`
	Sort         query.Sort     `json:"sort,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// PaginationEvent is a change of the pagination state
type PaginationEvent struct {
	Type  string
	State PaginationState
}

// Pagination holds page, page size, sort, total and free query parameters of
// a collection
type Pagination struct {
	mu        sync.Mutex
	state     PaginationState
	listeners map[uint64]func(PaginationEvent)
	nextID    uint64
	closed    bool
}

func newPagination() *Pagination {
	return &Pagination{
		state:     PaginationState{Page: 1},
		listeners: make(map[uint64]func(PaginationEvent)),
	}
}

// State returns a copy of the current state
func (p *Pagination) State() PaginationState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.copyLocked()
}

// IsActive reports whether paging is enabled
func (p *Pagination) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.ItemsPerPage > 0
}

// SetPage sets the current page, starting at 1
func (p *Pagination) SetPage(page int) {
	if page < 1 {
		page = 1
	}
	p.mu.Lock()
	p.state.Page = page
	p.mu.Unlock()
}

// SetItemsPerPage sets the page size. 0 disables paging.
func (p *Pagination) SetItemsPerPage(n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	p.state.ItemsPerPage = n
	p.state.Active = n > 0
	p.mu.Unlock()
}

// SetSort sets the sort order
func (p *Pagination) SetSort(s query.Sort) {
	p.mu.Lock()
	p.state.Sort = append(query.Sort(nil), s...)
	p.mu.Unlock()
}

// SetParameters replaces the free query parameters
func (p *Pagination) SetParameters(params map[string]any) {
	p.mu.Lock()
	p.state.Parameters = copyParams(params)
	p.mu.Unlock()
}

// SetTotal records the total number of matches over all pages
func (p *Pagination) SetTotal(total int) {
	p.mu.Lock()
	p.state.Total = total
	p.mu.Unlock()
}

// Update replaces the whole state without emitting
func (p *Pagination) Update(s PaginationState) {
	p.mu.Lock()
	p.state = s
	p.state.Sort = append(query.Sort(nil), s.Sort...)
	p.state.Parameters = copyParams(s.Parameters)
	p.state.Active = s.ItemsPerPage > 0
	if p.state.Page < 1 {
		p.state.Page = 1
	}
	p.mu.Unlock()
}

// Emit notifies every listener with the current state
func (p *Pagination) Emit(eventType string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	e := PaginationEvent{Type: eventType, State: p.copyLocked()}
	ls := make([]func(PaginationEvent), 0, len(p.listeners))
	for id := uint64(1); id <= p.nextID; id++ {
		if fn, ok := p.listeners[id]; ok {
			ls = append(ls, fn)
		}
	}
	p.mu.Unlock()

	for _, fn := range ls {
		fn(e)
	}
}

// OnEvent registers fn for every pagination event
func (p *Pagination) OnEvent(fn func(PaginationEvent)) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

func (p *Pagination) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.listeners = make(map[uint64]func(PaginationEvent))
}

func (p *Pagination) copyLocked() PaginationState {
	s := p.state
	s.Sort = append(query.Sort(nil), p.state.Sort...)
	s.Parameters = copyParams(p.state.Parameters)
	return s
}

func copyParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
