package slicer

// SliceInfo describes one slice without exposing its content.
type SliceInfo struct {
	ID          string
	Metadata    map[string]any
	ContentType string
	Size        int
}

// Store holds the slices of one session. It is built once at session setup
// and read-only afterwards; enumeration preserves creation order.
type Store struct {
	ids    []string
	slices map[string]ContextSlice
}

// NewStore builds a store from an ordered slice sequence.
func NewStore(slices []ContextSlice) *Store {
	s := &Store{
		ids:    make([]string, 0, len(slices)),
		slices: make(map[string]ContextSlice, len(slices)),
	}
	for _, sl := range slices {
		if _, dup := s.slices[sl.ID]; dup {
			continue
		}
		s.ids = append(s.ids, sl.ID)
		s.slices[sl.ID] = sl
	}
	return s
}

// IDs returns all slice ids in creation order.
func (s *Store) IDs() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

// Get returns the slice with the given id.
func (s *Store) Get(id string) (ContextSlice, bool) {
	sl, ok := s.slices[id]
	return sl, ok
}

// Len returns the number of slices.
func (s *Store) Len() int {
	return len(s.ids)
}

// Info returns metadata for all slices in creation order.
func (s *Store) Info() []SliceInfo {
	out := make([]SliceInfo, 0, len(s.ids))
	for _, id := range s.ids {
		sl := s.slices[id]
		out = append(out, SliceInfo{
			ID:          id,
			Metadata:    sl.Metadata,
			ContentType: contentTypeName(sl.Content),
			Size:        sl.Size(),
		})
	}
	return out
}

func contentTypeName(content any) string {
	switch content.(type) {
	case string:
		return "string"
	case map[string]any:
		return "mapping"
	case []any:
		return "sequence"
	default:
		return "value"
	}
}
