// Package collection owns the ordered page collection and the selection
// pointer of a scanning session and keeps both consistent across mutations.
package collection

import (
	"fmt"
	"sync"

	"github.com/MeKo-Tech/docscan/internal/page"
)

// State is an immutable snapshot of the collection and its selection.
type State struct {
	Pages    []page.Page `json:"pages"`
	Selected string      `json:"selected_page_id,omitempty"`
}

// Len returns the number of pages in the snapshot.
func (s State) Len() int { return len(s.Pages) }

// SelectedPage returns the selected record, if any.
func (s State) SelectedPage() (page.Page, bool) {
	if s.Selected == "" {
		return page.Page{}, false
	}
	for _, p := range s.Pages {
		if p.ID == s.Selected {
			return p, true
		}
	}
	return page.Page{}, false
}

// IDs returns the page identities in display order.
func (s State) IDs() []string {
	ids := make([]string, len(s.Pages))
	for i, p := range s.Pages {
		ids[i] = p.ID
	}
	return ids
}

// Observer is notified with a snapshot after every mutation that changed state.
type Observer func(State)

// Controller maintains the page collection and selection invariants:
// page IDs are unique, and a non-empty selection always references an
// existing page.
type Controller struct {
	mu       sync.RWMutex
	pages    []page.Page
	selected string

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int
}

// New creates an empty controller.
func New() *Controller {
	return &Controller{observers: make(map[int]Observer)}
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Len returns the number of pages.
func (c *Controller) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pages)
}

// Page looks up a page by ID.
func (c *Controller) Page(id string) (page.Page, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.pages[i].Clone(), true
	}
	return page.Page{}, false
}

// AddPage appends p unless a page with the same ID is already present, in
// which case the collection is left unchanged. Either way p's ID becomes the
// selection.
func (c *Controller) AddPage(p page.Page) State {
	c.mu.Lock()
	if c.indexLocked(p.ID) < 0 {
		c.pages = append(c.pages, p.Clone())
	}
	c.selected = p.ID
	s := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(s)
	return s
}

// UpdatePage replaces the page with p's ID in place and selects the last
// page of the collection.
//
// Defaulting the selection to the last element is intentional: the most
// recently added page becomes the implicit focus. Use UpdatePageSelecting to
// keep a specific page selected. A page whose ID is not in the collection is
// dropped and neither the collection nor the selection changes.
func (c *Controller) UpdatePage(p page.Page) State {
	return c.update(p, "")
}

// UpdatePageSelecting replaces the page with p's ID in place and selects
// target when it is present, falling back to the last page otherwise.
func (c *Controller) UpdatePageSelecting(p page.Page, target string) State {
	return c.update(p, target)
}

func (c *Controller) update(p page.Page, target string) State {
	c.mu.Lock()
	i := c.indexLocked(p.ID)
	if i < 0 {
		s := c.snapshotLocked()
		c.mu.Unlock()
		return s
	}

	c.pages[i] = p.Clone()
	if target != "" && c.indexLocked(target) >= 0 {
		c.selected = target
	} else {
		c.selected = c.pages[len(c.pages)-1].ID
	}
	s := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(s)
	return s
}

// SelectPage selects id if it exists.
func (c *Controller) SelectPage(id string) (State, error) {
	c.mu.Lock()
	if c.indexLocked(id) < 0 {
		s := c.snapshotLocked()
		c.mu.Unlock()
		return s, fmt.Errorf("select %q: %w", id, ErrUnknownPageID)
	}
	c.selected = id
	s := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(s)
	return s, nil
}

// Clear empties the collection and the selection together.
func (c *Controller) Clear() State {
	c.mu.Lock()
	c.pages = nil
	c.selected = ""
	s := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(s)
	return s
}

// Restore replaces the collection and selection with a snapshot previously
// taken with State. Duplicate IDs in s keep their first occurrence and a
// selection that references no page is dropped.
func (c *Controller) Restore(s State) State {
	c.mu.Lock()
	c.pages = make([]page.Page, 0, len(s.Pages))
	for _, p := range s.Pages {
		if c.indexLocked(p.ID) < 0 {
			c.pages = append(c.pages, p.Clone())
		}
	}
	c.selected = ""
	if c.indexLocked(s.Selected) >= 0 {
		c.selected = s.Selected
	}
	out := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(out)
	return out
}

// RequireSelection returns the selected page or ErrNoSelection.
func (c *Controller) RequireSelection() (page.Page, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := c.indexLocked(c.selected)
	if c.selected == "" || i < 0 {
		return page.Page{}, ErrNoSelection
	}
	return c.pages[i].Clone(), nil
}

// RequireDocumentReady returns the selected page if it has a document image.
func (c *Controller) RequireDocumentReady() (page.Page, error) {
	p, err := c.RequireSelection()
	if err != nil {
		return page.Page{}, err
	}
	if !p.DocumentReady() {
		return page.Page{}, fmt.Errorf("page %s: %w", p.ID, ErrNotCropped)
	}
	return p, nil
}

// RequireAllDocumentReady returns every page if all of them have a document
// image. An empty collection fails with ErrEmptyCollection.
func (c *Controller) RequireAllDocumentReady() ([]page.Page, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.pages) == 0 {
		return nil, ErrEmptyCollection
	}
	out := make([]page.Page, len(c.pages))
	for i, p := range c.pages {
		if !p.DocumentReady() {
			return nil, fmt.Errorf("page %d (%s): %w", i+1, p.ID, ErrSomeNotCropped)
		}
		out[i] = p.Clone()
	}
	return out, nil
}

// Subscribe registers fn for state changes and returns a function that
// removes it. Observers run synchronously after the mutation, outside the
// controller lock.
func (c *Controller) Subscribe(fn Observer) func() {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

func (c *Controller) notify(s State) {
	c.obsMu.Lock()
	fns := make([]Observer, 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (c *Controller) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range c.pages {
		if c.pages[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *Controller) snapshotLocked() State {
	pages := make([]page.Page, len(c.pages))
	for i, p := range c.pages {
		pages[i] = p.Clone()
	}
	return State{Pages: pages, Selected: c.selected}
}
