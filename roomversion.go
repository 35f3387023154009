package hscore

import (
	"fmt"

	"github.com/matrixcore/hscore/spec"
)

// StrictValiditySignatureCheck enforces the room version 5+ requirement that
// a signing key must still be within its validity period, not merely
// unexpired, at the time an event was signed.
// https://spec.matrix.org/latest/rooms/v5/#signing-key-validity-period
func StrictValiditySignatureCheck(atTS, validUntilTS spec.Timestamp) bool {
	return atTS <= validUntilTS
}

// NoStrictValidityCheck is used by room versions before 5, which only cared
// whether the key had been explicitly marked as expired.
func NoStrictValidityCheck(atTS, validUntilTS spec.Timestamp) bool {
	return true
}

// RoomVersion identifies a room version as specified at
// https://spec.matrix.org/latest/rooms/. Room versions gate event ID
// derivation, redaction behaviour and the auth/state-res rules that apply
// to a room.
type RoomVersion string

const (
	RoomVersionV1  RoomVersion = "1"
	RoomVersionV2  RoomVersion = "2"
	RoomVersionV3  RoomVersion = "3"
	RoomVersionV4  RoomVersion = "4"
	RoomVersionV5  RoomVersion = "5"
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV7  RoomVersion = "7"
	RoomVersionV8  RoomVersion = "8"
	RoomVersionV9  RoomVersion = "9"
	RoomVersionV10 RoomVersion = "10"
	RoomVersionV11 RoomVersion = "11"
	RoomVersionV12 RoomVersion = "12"
)

// EventFormat describes the shape of the top level event JSON.
type EventFormat int

const (
	// EventFormatV1 events carry an explicit event_id field and prev_events
	// as [id, hash] tuples.
	EventFormatV1 EventFormat = iota + 1
	// EventFormatV2 events have no event_id field - the ID is derived from
	// the reference hash - and prev_events/auth_events are plain ID lists.
	EventFormatV2
)

// EventIDFormat describes how an event ID is derived from its reference hash.
type EventIDFormat int

const (
	// EventIDFormatV1 uses the explicit event_id carried in the event.
	EventIDFormatV1 EventIDFormat = iota + 1
	// EventIDFormatV2 base64-encodes the reference hash with the standard alphabet.
	EventIDFormatV2
	// EventIDFormatV3 base64-encodes the reference hash with the URL-safe alphabet.
	EventIDFormatV3
)

// RedactionAlgorithm selects which fields survive RedactEventJSON.
type RedactionAlgorithm int

const (
	// RedactionAlgorithmV1 is used by room versions 1 and 2. It keeps the
	// aliases content key on m.room.aliases events.
	RedactionAlgorithmV1 RedactionAlgorithm = iota + 1
	// RedactionAlgorithmV2 is used by room versions 3 to 7.
	RedactionAlgorithmV2
	// RedactionAlgorithmV3 is used by room version 8. It stops
	// redacting the join_rules "allow" key.
	RedactionAlgorithmV3
	// RedactionAlgorithmV4 is used by room versions 9 and 10. It stops
	// redacting the member event's join_authorised_via_users_server key.
	RedactionAlgorithmV4
	// RedactionAlgorithmV5 is used from room version 11 onwards. It also
	// retains m.room.create's room_version key and additional fields on
	// power level events.
	RedactionAlgorithmV5
)

// StateResAlgorithm selects which state resolution algorithm a room version uses.
type StateResAlgorithm int

const (
	StateResV1 StateResAlgorithm = iota + 1
	StateResV2
)

// UnsupportedRoomVersionError is returned when asked to deal with a room
// version this module doesn't know about.
type UnsupportedRoomVersionError struct {
	Version RoomVersion
}

func (e UnsupportedRoomVersionError) Error() string {
	return fmt.Sprintf("hscore: unsupported room version %q", e.Version)
}

// IncompatibleRoomVersionError is returned when a caller names a room
// version this module has never heard of at all.
type IncompatibleRoomVersionError struct {
	Version string
}

func (e IncompatibleRoomVersionError) Error() string {
	return fmt.Sprintf("hscore: room version %q is unknown", e.Version)
}

// IRoomVersion exposes the capabilities that vary between room versions.
// It is deliberately a flat, data-driven descriptor rather than one Go type
// per version: every version differs from its neighbour in only one or two
// fields, so a shared implementation keyed off a table is far less
// repetitive than a type per version.
type IRoomVersion interface {
	Version() RoomVersion
	Stable() bool

	EventFormat() EventFormat
	EventIDFormat() EventIDFormat
	RedactionAlgorithm() RedactionAlgorithm
	StateResAlgorithm() StateResAlgorithm

	// RequireIntegerPowerLevels reports whether power_levels values must be
	// JSON integers rather than stringified integers (room version 10+).
	RequireIntegerPowerLevels() bool
	// RequireCreateRoomVersionOnCreate reports whether the create event's
	// content must be authoritative for the room version (room version 11+,
	// where the room_version field replaces relying on the create event's
	// sender domain for some checks and the "creator" key is dropped in
	// favour of the sender).
	RequireCreateRoomVersionOnCreate() bool
	// AllowKnocking reports whether the "knock" join rule and membership are defined.
	AllowKnocking() bool
	// AllowRestrictedJoinRule reports whether the "restricted" join rule is defined.
	AllowRestrictedJoinRule() bool
	// AllowKnockRestrictedJoinRule reports whether "knock_restricted" is defined.
	AllowKnockRestrictedJoinRule() bool
	// EnforceSignatureValidityPeriod reports whether a key's validity period
	// must be checked in addition to its expiry (room version 5+).
	EnforceSignatureValidityPeriod() bool
	// CheckNotificationLevels checks that a change to the "notifications"
	// power levels is allowed. Room versions before 6 let anyone change
	// them; from room version 6 onwards the usual level checks apply.
	CheckNotificationLevels(senderLevel int64, oldPowerLevels, newPowerLevels PowerLevelContent) error
	// CheckCreateEvent validates the m.room.create event's content against
	// this room version's rules.
	CheckCreateEvent(event PDU, knownRoomVersion func(RoomVersion) bool) error
	// CheckRestrictedJoinsAllowed returns an error if this room version
	// doesn't support the "restricted"/"knock_restricted" join rules.
	CheckRestrictedJoinsAllowed() error
	// CheckKnockingAllowed checks whether a knock membership change is
	// permitted under this room version's join rule.
	CheckKnockingAllowed(m *membershipAllower) error
	// RestrictedJoinServername extracts the server that authorised a
	// restricted join from membership content, or "" if this room version
	// doesn't support restricted joins.
	RestrictedJoinServername(content []byte) (spec.ServerName, error)
	// SignatureValidityCheck reports whether a signing key that was valid
	// at validUntilTS should still be trusted to have signed an event at
	// atTS. Room version 5 onwards also requires atTS to fall within the
	// key's validity period rather than just checking expiry.
	SignatureValidityCheck(atTS, validUntilTS spec.Timestamp) bool

	// RedactEventJSON strips user controlled fields from event JSON,
	// retaining only the fields this room version's redaction algorithm keeps.
	RedactEventJSON(eventJSON []byte) ([]byte, error)
}

type roomVersionDescriptor struct {
	version                          RoomVersion
	stable                           bool
	eventFormat                      EventFormat
	eventIDFormat                    EventIDFormat
	redactionAlgorithm               RedactionAlgorithm
	stateResAlgorithm                StateResAlgorithm
	requireIntegerPowerLevels        bool
	requireCreateRoomVersionOnCreate bool
	allowKnocking                    bool
	allowRestrictedJoinRule          bool
	allowKnockRestrictedJoinRule     bool
	enforceSignatureValidityPeriod   bool
	checkNotificationLevels          bool
}

func (d roomVersionDescriptor) Version() RoomVersion                { return d.version }
func (d roomVersionDescriptor) Stable() bool                        { return d.stable }
func (d roomVersionDescriptor) EventFormat() EventFormat             { return d.eventFormat }
func (d roomVersionDescriptor) EventIDFormat() EventIDFormat         { return d.eventIDFormat }
func (d roomVersionDescriptor) RedactionAlgorithm() RedactionAlgorithm {
	return d.redactionAlgorithm
}
func (d roomVersionDescriptor) StateResAlgorithm() StateResAlgorithm { return d.stateResAlgorithm }
func (d roomVersionDescriptor) RequireIntegerPowerLevels() bool      { return d.requireIntegerPowerLevels }
func (d roomVersionDescriptor) RequireCreateRoomVersionOnCreate() bool {
	return d.requireCreateRoomVersionOnCreate
}
func (d roomVersionDescriptor) AllowKnocking() bool               { return d.allowKnocking }
func (d roomVersionDescriptor) AllowRestrictedJoinRule() bool     { return d.allowRestrictedJoinRule }
func (d roomVersionDescriptor) AllowKnockRestrictedJoinRule() bool { return d.allowKnockRestrictedJoinRule }
func (d roomVersionDescriptor) EnforceSignatureValidityPeriod() bool {
	return d.enforceSignatureValidityPeriod
}
func (d roomVersionDescriptor) CheckNotificationLevels(senderLevel int64, oldPowerLevels, newPowerLevels PowerLevelContent) error {
	if !d.checkNotificationLevels {
		return noCheckLevels(senderLevel, oldPowerLevels, newPowerLevels)
	}
	return checkNotificationLevels(senderLevel, oldPowerLevels, newPowerLevels)
}

func (d roomVersionDescriptor) CheckCreateEvent(event PDU, knownRoomVersion func(RoomVersion) bool) error {
	return checkCreateEvent(event, d, knownRoomVersion)
}

func (d roomVersionDescriptor) CheckRestrictedJoinsAllowed() error {
	if !d.allowRestrictedJoinRule {
		return disallowRestrictedJoins()
	}
	return allowRestrictedJoins()
}

func (d roomVersionDescriptor) CheckKnockingAllowed(m *membershipAllower) error {
	if !d.allowKnocking {
		return disallowKnocking(m)
	}
	return checkKnocking(m)
}

func (d roomVersionDescriptor) RestrictedJoinServername(content []byte) (spec.ServerName, error) {
	if !d.allowRestrictedJoinRule {
		return emptyAuthorisedViaServerName(content)
	}
	return extractAuthorisedViaServerName(content)
}

func (d roomVersionDescriptor) SignatureValidityCheck(atTS, validUntilTS spec.Timestamp) bool {
	if d.enforceSignatureValidityPeriod {
		return StrictValiditySignatureCheck(atTS, validUntilTS)
	}
	return NoStrictValidityCheck(atTS, validUntilTS)
}

func (d roomVersionDescriptor) RedactEventJSON(eventJSON []byte) ([]byte, error) {
	return redactEventJSON(eventJSON, d)
}

var roomVersions = map[RoomVersion]roomVersionDescriptor{
	RoomVersionV1: {
		version: RoomVersionV1, stable: true,
		eventFormat: EventFormatV1, eventIDFormat: EventIDFormatV1,
		redactionAlgorithm: RedactionAlgorithmV1, stateResAlgorithm: StateResV1,
	},
	RoomVersionV2: {
		version: RoomVersionV2, stable: true,
		eventFormat: EventFormatV1, eventIDFormat: EventIDFormatV1,
		redactionAlgorithm: RedactionAlgorithmV1, stateResAlgorithm: StateResV2,
	},
	RoomVersionV3: {
		version: RoomVersionV3, stable: true,
		eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV2,
		redactionAlgorithm: RedactionAlgorithmV2, stateResAlgorithm: StateResV2,
	},
	RoomVersionV4: {
		version: RoomVersionV4, stable: true,
		eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV3,
		redactionAlgorithm: RedactionAlgorithmV2, stateResAlgorithm: StateResV2,
	},
	RoomVersionV5: {
		version: RoomVersionV5, stable: true,
		eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV3,
		redactionAlgorithm: RedactionAlgorithmV2, stateResAlgorithm: StateResV2,
		enforceSignatureValidityPeriod: true,
	},
	RoomVersionV6: {
		version: RoomVersionV6, stable: true,
		eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV3,
		redactionAlgorithm: RedactionAlgorithmV2, stateResAlgorithm: StateResV2,
		enforceSignatureValidityPeriod: true, checkNotificationLevels: true,
	},
	RoomVersionV7: {
		version: RoomVersionV7, stable: true,
		eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV3,
		redactionAlgorithm: RedactionAlgorithmV2, stateResAlgorithm: StateResV2,
		enforceSignatureValidityPeriod: true, checkNotificationLevels: true,
		allowKnocking: true,
	},
	RoomVersionV8: {
		version: RoomVersionV8, stable: true,
		eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV3,
		redactionAlgorithm: RedactionAlgorithmV3, stateResAlgorithm: StateResV2,
		enforceSignatureValidityPeriod: true, checkNotificationLevels: true,
		allowKnocking: true, allowRestrictedJoinRule: true,
	},
	RoomVersionV9: {
		version: RoomVersionV9, stable: true,
		eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV3,
		redactionAlgorithm: RedactionAlgorithmV4, stateResAlgorithm: StateResV2,
		enforceSignatureValidityPeriod: true, checkNotificationLevels: true,
		allowKnocking: true, allowRestrictedJoinRule: true,
	},
	RoomVersionV10: {
		version: RoomVersionV10, stable: true,
		eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV3,
		redactionAlgorithm: RedactionAlgorithmV4, stateResAlgorithm: StateResV2,
		enforceSignatureValidityPeriod: true, checkNotificationLevels: true,
		allowKnocking: true, allowRestrictedJoinRule: true, allowKnockRestrictedJoinRule: true,
		requireIntegerPowerLevels: true,
	},
	RoomVersionV11: {
		version: RoomVersionV11, stable: true,
		eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV3,
		redactionAlgorithm: RedactionAlgorithmV5, stateResAlgorithm: StateResV2,
		enforceSignatureValidityPeriod: true, checkNotificationLevels: true,
		allowKnocking: true, allowRestrictedJoinRule: true, allowKnockRestrictedJoinRule: true,
		requireIntegerPowerLevels: true, requireCreateRoomVersionOnCreate: true,
	},
	RoomVersionV12: {
		version: RoomVersionV12, stable: true,
		eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV3,
		redactionAlgorithm: RedactionAlgorithmV5, stateResAlgorithm: StateResV2,
		enforceSignatureValidityPeriod: true, checkNotificationLevels: true,
		allowKnocking: true, allowRestrictedJoinRule: true, allowKnockRestrictedJoinRule: true,
		requireIntegerPowerLevels: true, requireCreateRoomVersionOnCreate: true,
	},
}

// GetRoomVersion returns the implementation for a known room version.
func GetRoomVersion(v RoomVersion) (IRoomVersion, error) {
	d, ok := roomVersions[v]
	if !ok {
		return nil, UnsupportedRoomVersionError{Version: v}
	}
	return d, nil
}

// MustGetRoomVersion is a convenience wrapper around GetRoomVersion for
// tests and call sites that have already validated the version.
func MustGetRoomVersion(v RoomVersion) IRoomVersion {
	impl, err := GetRoomVersion(v)
	if err != nil {
		panic(err)
	}
	return impl
}

// KnownRoomVersion reports whether a room version is known to this module.
func KnownRoomVersion(v RoomVersion) bool {
	_, ok := roomVersions[v]
	return ok
}

// RoomVersions returns every room version this module implements.
func RoomVersions() map[RoomVersion]IRoomVersion {
	out := make(map[RoomVersion]IRoomVersion, len(roomVersions))
	for v, d := range roomVersions {
		out[v] = d
	}
	return out
}
