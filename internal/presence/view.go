package presence

import (
	"sync"

	"github.com/dkeye/Callbox/internal/domain"
)

// Renderer draws the map and the roster.
type Renderer interface {
	AddMarker(id domain.UserID, label string, at domain.Coordinate)
	AddRosterEntry(id domain.UserID, name string)
}

// View places one marker and one roster entry per user record.
type View struct {
	r Renderer

	mu   sync.Mutex
	seen map[domain.UserID]struct{}
}

func NewView(r Renderer) *View {
	return &View{r: r, seen: make(map[domain.UserID]struct{})}
}

// Place renders u unless its record was already placed.
func (v *View) Place(u domain.User) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[u.ID]; ok {
		return false
	}
	v.seen[u.ID] = struct{}{}
	v.r.AddMarker(u.ID, u.Username, u.Location)
	v.r.AddRosterEntry(u.ID, u.Username)
	return true
}

func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.seen)
}

// MapView holds the initial map settings handed to the page.
type MapView struct {
	Center      domain.Coordinate `json:"center"`
	Zoom        int               `json:"zoom"`
	MaxZoom     int               `json:"maxZoom"`
	Tiles       string            `json:"tiles"`
	Attribution string            `json:"attribution"`
}

func DefaultMapView() MapView {
	return MapView{
		Center:      domain.Coordinate{Latitude: 49.184585, Longitude: -0.36469},
		Zoom:        13,
		MaxZoom:     19,
		Tiles:       "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
		Attribution: "&copy; OpenStreetMap contributors",
	}
}
