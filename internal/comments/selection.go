package comments

import (
	"maps"
	"slices"

	"github.com/DoyleJ11/liveroom/internal/room"
)

// Selection is the local set of comment ids marked for moderation. It is
// never serialized or shared.
type Selection struct {
	ids map[room.CommentID]struct{}
}

func NewSelection() *Selection {
	return &Selection{ids: make(map[room.CommentID]struct{})}
}

func (s *Selection) Select(id room.CommentID)   { s.ids[id] = struct{}{} }
func (s *Selection) Deselect(id room.CommentID) { delete(s.ids, id) }

// DeselectAll is the "click elsewhere" dismiss.
func (s *Selection) DeselectAll() { clear(s.ids) }

func (s *Selection) Has(id room.CommentID) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *Selection) Len() int { return len(s.ids) }

// IDs returns the selected ids in ascending order.
func (s *Selection) IDs() []room.CommentID {
	return slices.Sorted(maps.Keys(s.ids))
}
