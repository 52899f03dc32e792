package logic

import (
	"sync"

	"github.com/hedon954/go-rollback-netplay/logic/room"
	"github.com/hedon954/go-rollback-netplay/pkg/network"
)

// RoomManager is used to manage relay rooms
type RoomManager struct {
	rooms map[string]*room.Room
	wg    sync.WaitGroup
	rw    sync.RWMutex
}

// NewRoomManager creates a new room manager
func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms: make(map[string]*room.Room),
	}
}

// getOrCreateRoom returns the live room for sessionID, creating it on first join
func (rm *RoomManager) getOrCreateRoom(sessionID string) *room.Room {
	rm.rw.Lock()
	defer rm.rw.Unlock()

	if r, ok := rm.rooms[sessionID]; ok && !r.IsOver() {
		return r
	}

	r := room.NewRoom(sessionID)
	rm.rooms[sessionID] = r

	rm.wg.Add(1)
	go func() {
		defer func() {
			defer rm.wg.Done()
			rm.rw.Lock()
			if rm.rooms[sessionID] == r {
				delete(rm.rooms, sessionID)
			}
			rm.rw.Unlock()
		}()
		r.Run()
	}()

	return r
}

// Join puts conn into its session room. It returns false when the room is full.
func (rm *RoomManager) Join(conn *network.Conn, b *room.Binding) bool {
	for {
		r := rm.getOrCreateRoom(b.SessionID)
		if r.Join(conn, b) {
			return true
		}
		select {
		case <-r.Done():
			// the room emptied out while we were joining, start a fresh one
			continue
		default:
			return false
		}
	}
}

// GetRoom gets the specific room
func (rm *RoomManager) GetRoom(sessionID string) *room.Room {
	rm.rw.RLock()
	defer rm.rw.RUnlock()

	return rm.rooms[sessionID]
}

// RoomNum gets the count of the room
func (rm *RoomManager) RoomNum() int {
	rm.rw.RLock()
	defer rm.rw.RUnlock()

	return len(rm.rooms)
}

// Stop stops every room
func (rm *RoomManager) Stop() {
	rm.rw.Lock()
	rooms := rm.rooms
	rm.rooms = make(map[string]*room.Room)
	rm.rw.Unlock()

	for _, r := range rooms {
		r.Stop()
	}
	rm.wg.Wait()
}
