package messaging

import "sync"

// inflight holds the entry ids a consumer has handed to its handler and not
// yet seen settled, per stream.
type inflight struct {
	mu  sync.Mutex
	ids map[string]map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{ids: make(map[string]map[string]struct{})}
}

func (f *inflight) add(stream, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.ids[stream]
	if !ok {
		set = make(map[string]struct{})
		f.ids[stream] = set
	}
	set[id] = struct{}{}
}

func (f *inflight) remove(stream, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids[stream], id)
	if len(f.ids[stream]) == 0 {
		delete(f.ids, stream)
	}
}

func (f *inflight) snapshot() map[string][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]string, len(f.ids))
	for stream, set := range f.ids {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		out[stream] = ids
	}
	return out
}

// settle drops the ids of sent that are missing from held. Ids added after
// sent was taken are left alone.
func (f *inflight) settle(stream string, sent, held []string) {
	keep := make(map[string]struct{}, len(held))
	for _, id := range held {
		keep[id] = struct{}{}
	}
	for _, id := range sent {
		if _, ok := keep[id]; !ok {
			f.remove(stream, id)
		}
	}
}

func (f *inflight) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, set := range f.ids {
		n += len(set)
	}
	return n
}
