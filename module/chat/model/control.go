package model

type ControlType string

const (
	ControlRoomClosed    ControlType = "ROOM_CLOSED"
	ControlStaffAssigned ControlType = "STAFF_ASSIGNED"
)

func (t ControlType) Known() bool {
	return t == ControlRoomClosed || t == ControlStaffAssigned
}

// ControlEvent mutates room state; it never enters a message list.
type ControlEvent struct {
	Type      ControlType `json:"type"`
	RoomID    string      `json:"roomId"`
	StaffID   string      `json:"staffId,omitempty"`
	StaffName string      `json:"staffName,omitempty"`
}

func RoomClosedEvent(roomID string) ControlEvent {
	return ControlEvent{Type: ControlRoomClosed, RoomID: roomID}
}

func StaffAssignedEvent(roomID, staffID, staffName string) ControlEvent {
	return ControlEvent{Type: ControlStaffAssigned, RoomID: roomID, StaffID: staffID, StaffName: staffName}
}
