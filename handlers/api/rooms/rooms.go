package rooms

import (
	"context"
	"net/http"
	"sort"

	"codecollab-server/core"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// ActiveRooms reports the live viewer count per document.
type ActiveRooms interface {
	ActiveRooms() map[string]int
}

type Room struct {
	ID         string `json:"id"`
	Users      int    `json:"users"`
	LastActive *int64 `json:"lastActive,omitempty"`
}

// List merges live presence with the recorded activity of each room, busiest
// and most recent first.
func List(ctx context.Context, active ActiveRooms, registry core.RoomRegistry) []Room {
	roomMap := make(map[string]*Room)
	for id, count := range active.ActiveRooms() {
		roomMap[id] = &Room{ID: id, Users: count}
	}

	if registry != nil {
		if storedRooms, err := registry.ListRooms(ctx); err != nil {
			logrus.WithError(err).Warn("failed to list rooms from registry")
		} else {
			for _, room := range storedRooms {
				entry, exists := roomMap[room.ID]
				if !exists {
					entry = &Room{ID: room.ID}
					roomMap[room.ID] = entry
				}
				if room.LastActive > 0 {
					lastActive := room.LastActive
					entry.LastActive = &lastActive
				}
			}
		}
	}

	roomList := make([]Room, 0, len(roomMap))
	for _, entry := range roomMap {
		roomList = append(roomList, *entry)
	}

	sort.Slice(roomList, func(i, j int) bool {
		if roomList[i].Users != roomList[j].Users {
			return roomList[i].Users > roomList[j].Users
		}
		li, lj := lastActive(roomList[i]), lastActive(roomList[j])
		if li != lj {
			return li > lj
		}
		return roomList[i].ID < roomList[j].ID
	})

	return roomList
}

func lastActive(r Room) int64 {
	if r.LastActive == nil {
		return 0
	}
	return *r.LastActive
}

func HandleList(active ActiveRooms, registry core.RoomRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, List(r.Context(), active, registry))
	}
}
