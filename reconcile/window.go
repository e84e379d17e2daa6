package reconcile

// window remembers the most recent envelope ids to drop redeliveries.
type window struct {
	size int
	ring []string
	next int
	ids  map[string]struct{}
}

func newWindow(size int) *window {
	if size <= 0 {
		size = defaultWindow
	}
	return &window{size: size, ring: make([]string, 0, size), ids: make(map[string]struct{}, size)}
}

// seen records id and reports whether it was already present.
func (w *window) seen(id string) bool {
	if _, ok := w.ids[id]; ok {
		return true
	}
	if len(w.ring) < w.size {
		w.ring = append(w.ring, id)
	} else {
		delete(w.ids, w.ring[w.next])
		w.ring[w.next] = id
		w.next = (w.next + 1) % w.size
	}
	w.ids[id] = struct{}{}
	return false
}
