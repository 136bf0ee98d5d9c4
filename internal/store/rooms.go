package store

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/mtx/internal/event"
)

// Room is the locally known state of a room, derived from sync.
type Room struct {
	ID            event.RoomID
	Name          string
	Encryption    event.Algorithm
	MembersLoaded bool
}

// Rooms is a reactive room directory. A room "materializes" here once
// sync has seen it; the outbox pipeline waits for that before sending.
type Rooms struct {
	mu      sync.Mutex
	rooms   map[event.RoomID]Room
	waiters map[event.RoomID][]chan Room
}

// NewRooms creates an empty room directory.
func NewRooms() *Rooms {
	return &Rooms{
		rooms:   make(map[event.RoomID]Room),
		waiters: make(map[event.RoomID][]chan Room),
	}
}

// Put stores a room and wakes anyone waiting for it to materialize.
func (r *Rooms) Put(room Room) {
	r.mu.Lock()
	r.rooms[room.ID] = room
	woken := r.waiters[room.ID]
	delete(r.waiters, room.ID)
	r.mu.Unlock()

	for _, ch := range woken {
		select {
		case ch <- room:
		default:
		}
	}
}

// Get returns the room, if known.
func (r *Rooms) Get(id event.RoomID) (Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	return room, ok
}

// EncryptionState returns the room's encryption algorithm. The second
// return is false when the room is unknown.
func (r *Rooms) EncryptionState(id event.RoomID) (event.Algorithm, bool) {
	room, ok := r.Get(id)
	return room.Encryption, ok
}

// WaitForRoom blocks until the room materializes or the bounded
// timeout elapses. Timing out returns ok=false, not an error.
func (r *Rooms) WaitForRoom(ctx context.Context, id event.RoomID, timeout time.Duration) (Room, bool, error) {
	r.mu.Lock()
	if room, ok := r.rooms[id]; ok {
		r.mu.Unlock()
		return room, true, nil
	}
	ch := make(chan Room, 1)
	r.waiters[id] = append(r.waiters[id], ch)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		ws := r.waiters[id]
		for i, other := range ws {
			if other == ch {
				r.waiters[id] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		if len(r.waiters[id]) == 0 {
			delete(r.waiters, id)
		}
		r.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case room := <-ch:
		return room, true, nil
	case <-timer.C:
		return Room{}, false, nil
	case <-ctx.Done():
		return Room{}, false, ctx.Err()
	}
}

// SetMembersLoaded flags the room's member list as fully loaded.
func (r *Rooms) SetMembersLoaded(id event.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[id]; ok {
		room.MembersLoaded = true
		r.rooms[id] = room
	}
}
