package spec

import (
	"fmt"
)

const roomSigil = '!'

// A RoomID identifies a matrix room as per the matrix specification
// https://spec.matrix.org/v1.6/appendices/#room-ids-and-event-ids
type RoomID struct {
	raw      string
	opaqueID string
	domain   string
}

func NewRoomID(id string) (*RoomID, error) {
	return parseAndValidateRoomID(id)
}

// Returns the full roomID string including leading sigil
func (room RoomID) String() string {
	return room.raw
}

// Returns just the localpart of the roomID
func (room RoomID) OpaqueID() string {
	return room.opaqueID
}

// Returns just the domain of the roomID
func (room RoomID) Domain() ServerName {
	return ServerName(room.domain)
}

func parseAndValidateRoomID(id string) (*RoomID, error) {
	// NOTE: There is no length or character limit on the opaque part of room
	// ids, and no upper bound on the id as a whole (maxLength 0 below).
	// 4 since minimum roomID includes an !, :, non-empty opaque ID, non-empty domain
	opaqueID, domain, err := parseSigiledID(id, roomSigil, 4, 0, "room", func(opaque string) error {
		if len(opaque) < 1 {
			return fmt.Errorf("opaque id length %d is too short to be valid", len(opaque))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &RoomID{raw: id, opaqueID: opaqueID, domain: domain}, nil
}
