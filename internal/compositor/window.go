package compositor

import "sync"

// WindowRecord is one top-level surface's metadata (spec §3, "Window
// record"). Ids are small stable integers assigned at creation and never
// reused within the process lifetime (spec §8 invariant 9).
type WindowRecord struct {
	ID          int
	SurfaceRef  SurfaceRef
	Title       string
	AppID       string
	DisplayName string
	Focused     bool
	IsDialog    bool
}

// WindowRegistry is the ordered sequence of live windows, keyed by id.
// The taskbar is the serialization of this sequence (spec §3: "non-
// dialog + dialog windows interleaved in creation order").
type WindowRegistry struct {
	mu      sync.Mutex
	nextID  int
	order   []int
	byID    map[int]*WindowRecord
	dirty   bool
}

// NewWindowRegistry creates an empty registry.
func NewWindowRegistry() *WindowRegistry {
	return &WindowRegistry{byID: make(map[int]*WindowRecord)}
}

// Create assigns the next id, in creation order, and registers the
// record. Returns the assigned id.
func (r *WindowRegistry) Create(surface SurfaceRef, title, appID, displayName string, isDialog bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	r.byID[id] = &WindowRecord{
		ID:          id,
		SurfaceRef:  surface,
		Title:       title,
		AppID:       appID,
		DisplayName: displayName,
		IsDialog:    isDialog,
	}
	r.order = append(r.order, id)
	r.dirty = true
	return id
}

// Destroy removes a window immediately, marking the taskbar dirty (spec
// §4.8, "Window lifecycle").
func (r *WindowRegistry) Destroy(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.dirty = true
}

// Focus sets id as the sole focused window. Returns false if id is not
// live. Idempotent: focusing an already-focused window still reports
// success but leaves dirty false if nothing changed (spec §8: "repeated
// focus,id messages produce at most one state change").
func (r *WindowRegistry) Focus(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.byID[id]
	if !ok {
		return false
	}

	changed := false
	for _, existing := range r.byID {
		want := existing.ID == id
		if existing.Focused != want {
			existing.Focused = want
			changed = true
		}
	}
	_ = target
	if changed {
		r.dirty = true
	}
	return true
}

// SetTitle updates a window's title, marking the taskbar dirty if it
// changed.
func (r *WindowRegistry) SetTitle(id int, title string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.byID[id]
	if !ok || w.Title == title {
		return
	}
	w.Title = title
	r.dirty = true
}

// Get returns a copy of the record for id.
func (r *WindowRegistry) Get(id int) (WindowRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.byID[id]
	if !ok {
		return WindowRecord{}, false
	}
	return *w, true
}

// List returns a snapshot of every live window in creation order.
func (r *WindowRegistry) List() []WindowRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WindowRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

// TakeDirty reports whether the registry changed since the last call and
// clears the flag.
func (r *WindowRegistry) TakeDirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.dirty
	r.dirty = false
	return d
}
