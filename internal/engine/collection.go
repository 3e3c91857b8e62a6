package engine

import (
	"sort"
	"sync"

	dsync "github.com/driftlab/driftsync/internal/sync"
)

// Collection is an in-memory observable projection of one table for UI
// consumption. Mutations apply optimistically to the in-memory list and
// delegate to the sync engine; a thrown error leaves the optimistic
// state in place and the caller is expected to Reload.
type Collection struct {
	engine *Engine
	table  string

	mu        sync.Mutex
	data      []dsync.Row
	loading   bool
	err       error
	observers []func()
}

func newCollection(e *Engine, table string) *Collection {
	return &Collection{engine: e, table: table}
}

// Data returns a snapshot of the current records.
func (c *Collection) Data() []dsync.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]dsync.Row, len(c.data))
	copy(out, c.data)
	return out
}

// IsLoading reports whether a Load is in flight.
func (c *Collection) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Err returns the last mutation or load error.
func (c *Collection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Count returns the number of records.
func (c *Collection) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// IsEmpty reports whether the collection holds no records.
func (c *Collection) IsEmpty() bool {
	return c.Count() == 0
}

// Subscribe registers an observer invoked after every data change.
func (c *Collection) Subscribe(fn func()) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Collection) notify() {
	c.mu.Lock()
	observers := make([]func(), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

// Load re-reads the table from the client store, optionally filtered.
func (c *Collection) Load(query dsync.Row) error {
	c.mu.Lock()
	c.loading = true
	c.mu.Unlock()

	rows, err := c.engine.store.Find(c.table, query)

	c.mu.Lock()
	c.loading = false
	if err != nil {
		c.err = err
		c.mu.Unlock()
		return err
	}
	c.err = nil
	c.data = rows
	c.mu.Unlock()
	c.notify()
	return nil
}

// Reload re-reads the whole table.
func (c *Collection) Reload() error {
	return c.Load(nil)
}

// Create optimistically appends the record, then replaces it with the
// engine's canonical row.
func (c *Collection) Create(partial dsync.Row) (dsync.Row, error) {
	provisional := dsync.CloneRow(partial)
	c.mu.Lock()
	c.data = append(c.data, provisional)
	c.mu.Unlock()
	c.notify()

	record, err := c.engine.Create(c.table, partial)
	if err != nil {
		c.setErr(err)
		return nil, err
	}
	c.replace(provisional, record)
	return record, nil
}

// Update optimistically merges in place, then swaps in the canonical
// record.
func (c *Collection) Update(id string, partial dsync.Row) (dsync.Row, error) {
	c.mu.Lock()
	for i, r := range c.data {
		if rowID(r) == id {
			merged := dsync.CloneRow(r)
			for k, v := range partial {
				merged[k] = v
			}
			c.data[i] = merged
			break
		}
	}
	c.mu.Unlock()
	c.notify()

	record, err := c.engine.Update(c.table, id, partial)
	if err != nil {
		c.setErr(err)
		return nil, err
	}
	c.replaceByID(id, record)
	return record, nil
}

// Delete removes the record immediately, then delegates.
func (c *Collection) Delete(id string) error {
	c.mu.Lock()
	for i, r := range c.data {
		if rowID(r) == id {
			c.data = append(c.data[:i], c.data[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.notify()

	if err := c.engine.Delete(c.table, id); err != nil {
		c.setErr(err)
		return err
	}
	return nil
}

// FindOne reads one record from the client store.
func (c *Collection) FindOne(id string) (dsync.Row, error) {
	return c.engine.store.FindOne(c.table, id)
}

// Find returns the first record matching pred, or nil.
func (c *Collection) Find(pred func(dsync.Row) bool) dsync.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.data {
		if pred(r) {
			return r
		}
	}
	return nil
}

// Filter returns every record matching pred.
func (c *Collection) Filter(pred func(dsync.Row) bool) []dsync.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []dsync.Row
	for _, r := range c.data {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// Map applies fn over a snapshot of the records.
func (c *Collection) Map(fn func(dsync.Row) any) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.data))
	for i, r := range c.data {
		out[i] = fn(r)
	}
	return out
}

// SortBy returns a sorted copy of the records.
func (c *Collection) SortBy(less func(a, b dsync.Row) bool) []dsync.Row {
	out := c.Data()
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// CreateMany creates records sequentially, stopping at the first error.
func (c *Collection) CreateMany(partials []dsync.Row) ([]dsync.Row, error) {
	out := make([]dsync.Row, 0, len(partials))
	for _, p := range partials {
		r, err := c.Create(p)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

// UpdateMany applies the same patch to each id sequentially.
func (c *Collection) UpdateMany(ids []string, partial dsync.Row) error {
	for _, id := range ids {
		if _, err := c.Update(id, partial); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMany deletes each id sequentially.
func (c *Collection) DeleteMany(ids []string) error {
	for _, id := range ids {
		if err := c.Delete(id); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// replace swaps the provisional entry (matched by identity of the id
// field, falling back to the tail slot) for the canonical record.
func (c *Collection) replace(provisional, canonical dsync.Row) {
	id := rowID(canonical)
	c.mu.Lock()
	replaced := false
	for i, r := range c.data {
		if rowID(r) == id || sameRow(r, provisional) {
			c.data[i] = canonical
			replaced = true
			break
		}
	}
	if !replaced {
		c.data = append(c.data, canonical)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Collection) replaceByID(id string, canonical dsync.Row) {
	c.mu.Lock()
	for i, r := range c.data {
		if rowID(r) == id {
			c.data[i] = canonical
			break
		}
	}
	c.mu.Unlock()
	c.notify()
}

func rowID(r dsync.Row) string {
	id, _ := r["id"].(string)
	return id
}

// sameRow compares by id when both have one, else by pointer-free field
// equality on the id-less provisional.
func sameRow(a, b dsync.Row) bool {
	ida, idb := rowID(a), rowID(b)
	if ida != "" || idb != "" {
		return ida == idb
	}
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
