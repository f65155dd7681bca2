// Package realtime provides the per-exam broadcast channel: typed rooms,
// event schema, and a Redis pub/sub broadcaster. Delivery is best-effort
// with no replay and no acknowledgement. A disconnected subscriber misses
// events emitted while away and reconciles through the durable alert log.
package realtime

import (
	"fmt"

	"github.com/google/uuid"
)

// Room identifies the logical channel for one exam's realtime events.
// Rooms are typed and resolved through the Rooms registry; handlers never
// concatenate channel strings themselves.
type Room struct {
	examID uuid.UUID
}

// ExamID returns the exam this room belongs to.
func (r Room) ExamID() uuid.UUID {
	return r.examID
}

// Channel returns the Redis pub/sub channel name backing this room.
func (r Room) Channel() string {
	return fmt.Sprintf("exam:%s:room", r.examID)
}

// RoomRegistry resolves typed rooms from domain identifiers.
type RoomRegistry struct{}

// ExamRoom returns the room for an exam.
func (RoomRegistry) ExamRoom(examID uuid.UUID) Room {
	return Room{examID: examID}
}

// Rooms is the shared registry.
var Rooms = RoomRegistry{}
