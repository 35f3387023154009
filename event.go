/* Copyright 2016-2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package hscore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"

	"github.com/matrixcore/hscore/canonicaljson"
	"github.com/matrixcore/hscore/keys"
	"github.com/matrixcore/hscore/spec"
)

const (
	// The event ID, room ID, sender and event type fields cannot be bigger
	// than this. https://github.com/matrix-org/synapse/blob/v0.21.0/synapse/event_auth.py#L173-L182
	maxIDLength = 255
	// The entire event JSON, including signatures, cannot be bigger than this.
	// https://github.com/matrix-org/synapse/blob/v0.21.0/synapse/event_auth.py#L183-184
	maxEventLength = 65536
)

// commonFields holds the top level keys common to every room version's
// event format.
type commonFields struct {
	EventID        string          `json:"event_id,omitempty"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage    `json:"content"`
	Redacts        string          `json:"redacts,omitempty"`
	Depth          int64           `json:"depth"`
	Unsigned       json.RawMessage    `json:"unsigned,omitempty"`
	OriginServerTS spec.Timestamp  `json:"origin_server_ts"`
	Origin         spec.ServerName `json:"origin,omitempty"`
}

// eventFieldsV1 is the event shape used by room versions 1 and 2, where
// prev_events/auth_events are [event_id, hashes] tuples and the event
// carries its own event_id.
type eventFieldsV1 struct {
	commonFields
	PrevEvents []eventReference `json:"prev_events"`
	AuthEvents []eventReference `json:"auth_events"`
}

// eventFieldsV2 is the event shape used from room version 3 onwards,
// where prev_events/auth_events are plain event ID lists and the event ID
// is derived from the reference hash rather than carried explicitly.
type eventFieldsV2 struct {
	commonFields
	PrevEvents []string `json:"prev_events"`
	AuthEvents []string `json:"auth_events"`
}

// Event is a single Persistent Data Unit: a matrix event together with
// the room version that governs how its ID and redaction behaviour are
// computed. Event always holds valid JSON; if the event's content hash
// doesn't match then the event is stored redacted, with only the fields
// covered by the event signature retained.
//
// Event implements PDU. Event-format specific behaviour (ID derivation,
// prev_events/auth_events representation) is branched internally on the
// room version's EventFormat/EventIDFormat rather than split across
// per-version types, since roomversion.go already describes every room
// version this way.
type Event struct {
	redacted    bool
	eventJSON   []byte
	fields      interface{} // eventFieldsV1 or eventFieldsV2
	roomVersion RoomVersion
}

// NewEventFromUntrustedJSON loads a new event from JSON that may have been
// tampered with. This checks that the event is valid JSON, checks the
// content hash, and applies redaction if the hash doesn't match.
func NewEventFromUntrustedJSON(eventJSON []byte, roomVersion RoomVersion) (*Event, error) {
	verImpl, err := GetRoomVersion(roomVersion)
	if err != nil {
		return nil, err
	}

	if r := gjson.GetBytes(eventJSON, "_*"); r.Exists() {
		return nil, BadJSONError{fmt.Errorf("found top-level '_' key, is this a headered event: %s", string(eventJSON))}
	}

	// Synapse removes these keys from events in case a server accidentally added them.
	// https://github.com/matrix-org/synapse/blob/v0.18.5/synapse/crypto/event_signing.py#L57-L62
	for _, key := range []string{"outlier", "destinations", "age_ts"} {
		if eventJSON, err = sjson.DeleteBytes(eventJSON, key); err != nil {
			return nil, err
		}
	}

	result := &Event{roomVersion: roomVersion}

	var eventID string
	if verImpl.EventIDFormat() == EventIDFormatV1 {
		var fields eventFieldsV1
		if err = json.Unmarshal(eventJSON, &fields); err != nil {
			return nil, err
		}
		eventID = fields.EventID
		result.fields = fields
	} else {
		if eventJSON, err = sjson.DeleteBytes(eventJSON, "event_id"); err != nil {
			return nil, err
		}
		var fields eventFieldsV2
		if err = json.Unmarshal(eventJSON, &fields); err != nil {
			return nil, err
		}
		result.fields = fields
	}

	eventJSON = canonicaljson.AssumeValid(eventJSON)

	if err = checkEventContentHash(eventJSON); err != nil {
		result.redacted = true

		// If the content hash doesn't match then we have to discard all non-essential fields
		// because they've been tampered with.
		redactedJSON, rerr := verImpl.RedactEventJSON(eventJSON)
		if rerr != nil {
			return nil, rerr
		}
		redactedJSON = canonicaljson.AssumeValid(redactedJSON)

		// We need to ensure that `result` is the redacted event. If redactedJSON
		// is the same as eventJSON then `result` is already correct. If not
		// then we need to reparse.
		if !bytes.Equal(redactedJSON, eventJSON) {
			if verImpl.EventIDFormat() == EventIDFormatV1 {
				var fields eventFieldsV1
				if err = json.Unmarshal(redactedJSON, &fields); err != nil {
					return nil, err
				}
				fields.EventID = eventID
				result.fields = fields
			} else {
				var fields eventFieldsV2
				if err = json.Unmarshal(redactedJSON, &fields); err != nil {
					return nil, err
				}
				result.fields = fields
			}
		}

		eventJSON = redactedJSON
	}

	result.eventJSON = eventJSON

	if verImpl.EventIDFormat() != EventIDFormatV1 {
		ref, rerr := referenceOfEvent(result.eventJSON, roomVersion)
		if rerr != nil {
			return nil, rerr
		}
		fields := result.fields.(eventFieldsV2)
		fields.EventID = ref.EventID
		result.fields = fields
	}

	if err = result.checkFields(); err != nil {
		return nil, err
	}

	return result, nil
}

// NewEventFromTrustedJSON loads an event from JSON that is already known to
// be valid, skipping the cryptographic checks NewEventFromUntrustedJSON
// performs. Use this when loading events back out of local storage.
func NewEventFromTrustedJSON(eventJSON []byte, redacted bool, roomVersion RoomVersion) (*Event, error) {
	return newEventFromTrustedJSONWithEventID(eventJSON, "", redacted, roomVersion)
}

// NewEventFromTrustedJSONWithEventID is like NewEventFromTrustedJSON but
// allows a known event ID to be supplied directly for room versions whose
// event ID is derived from the reference hash, saving the recomputation.
func NewEventFromTrustedJSONWithEventID(eventID string, eventJSON []byte, redacted bool, roomVersion RoomVersion) (*Event, error) {
	return newEventFromTrustedJSONWithEventID(eventJSON, eventID, redacted, roomVersion)
}

func newEventFromTrustedJSONWithEventID(eventJSON []byte, eventID string, redacted bool, roomVersion RoomVersion) (*Event, error) {
	verImpl, err := GetRoomVersion(roomVersion)
	if err != nil {
		return nil, err
	}

	result := &Event{
		redacted:    redacted,
		eventJSON:   eventJSON,
		roomVersion: roomVersion,
	}

	if verImpl.EventIDFormat() == EventIDFormatV1 {
		var fields eventFieldsV1
		if err = json.Unmarshal(eventJSON, &fields); err != nil {
			return nil, err
		}
		result.fields = fields
	} else {
		var fields eventFieldsV2
		if err = json.Unmarshal(eventJSON, &fields); err != nil {
			return nil, err
		}
		if eventID != "" {
			fields.EventID = eventID
		} else if fields.EventID == "" {
			ref, rerr := referenceOfEvent(eventJSON, roomVersion)
			if rerr != nil {
				return nil, rerr
			}
			fields.EventID = ref.EventID
		}
		result.fields = fields
	}

	return result, nil
}

// checkFields validates size limits and ID shapes.
// https://matrix.org/docs/spec/client_server/r0.2.0.html#size-limits
func (e *Event) checkFields() error { // nolint: gocyclo
	var fields commonFields
	switch f := e.fields.(type) {
	case eventFieldsV1:
		fields = f.commonFields
	case eventFieldsV2:
		fields = f.commonFields
	default:
		panic("hscore: unexpected event field type")
	}

	if l := len(e.eventJSON); l > maxEventLength {
		return errorf("event is too long, length %d > maximum %d", l, maxEventLength)
	}
	if l := len(fields.Type); l > maxIDLength {
		return errorf("event type is too long, length %d > maximum %d", l, maxIDLength)
	}
	if fields.StateKey != nil {
		if l := len(*fields.StateKey); l > maxIDLength {
			return errorf("state key is too long, length %d > maximum %d", l, maxIDLength)
		}
	}
	if _, err := checkID(fields.RoomID, "room", '!'); err != nil {
		return err
	}
	senderDomain, err := checkID(fields.Sender, "user", '@')
	if err != nil {
		return err
	}

	if v, ok := e.fields.(eventFieldsV1); ok {
		eventDomain, err := checkID(v.EventID, "event", '$')
		if err != nil {
			return err
		}
		// Synapse requires that the event ID domain has a valid signature, and
		// that the event origin has a valid signature. Since both must be
		// valid domains, and there's no good reason for them to differ, we
		// require they match so that later signature checks are simpler.
		if fields.Origin != "" && fields.Origin != spec.ServerName(eventDomain) {
			return errorf("event ID domain doesn't match origin: %q != %q", eventDomain, fields.Origin)
		}
		if fields.Origin != "" && fields.Origin != spec.ServerName(senderDomain) && fields.Type != spec.MRoomMember {
			// m.room.member events created from third-party invites are
			// allowed to have a sender on a different server, since they
			// carry the sender of the m.room.third_party_invite event.
			return errorf("sender domain doesn't match origin: %q != %q", senderDomain, fields.Origin)
		}
	}

	return nil
}

// checkID validates that id begins with the given sigil and is within the
// permitted length, returning the domain part.
func checkID(id, kind string, sigil byte) (domain string, err error) {
	domain, err = domainFromID(id)
	if err != nil {
		return
	}
	if len(id) == 0 || id[0] != sigil {
		err = errorf("invalid %s ID, wanted first byte to be '%c' got %q", kind, sigil, id)
		return
	}
	if len(id) > maxIDLength {
		err = errorf("%s ID is too long, length %d > maximum %d", kind, len(id), maxIDLength)
		return
	}
	return
}

// SplitID splits a matrix ID into a local part and a server name.
func SplitID(sigil byte, id string) (local string, domain spec.ServerName, err error) {
	// IDs have the format: SIGIL LOCALPART ":" DOMAIN
	// Split on the first ":" character since the domain can contain ":"
	// characters.
	if len(id) == 0 || id[0] != sigil {
		return "", "", errorf("invalid ID %q doesn't start with %q", id, sigil)
	}
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 {
		return "", "", errorf("invalid ID %q missing ':'", id)
	}
	return parts[0][1:], spec.ServerName(parts[1]), nil
}

func (e *Event) commonFields() commonFields {
	switch f := e.fields.(type) {
	case eventFieldsV1:
		return f.commonFields
	case eventFieldsV2:
		return f.commonFields
	default:
		panic("hscore: unexpected event field type")
	}
}

// EventID returns the event ID of the event.
func (e *Event) EventID() string {
	switch f := e.fields.(type) {
	case eventFieldsV1:
		return f.EventID
	case eventFieldsV2:
		return f.EventID
	default:
		panic("hscore: unexpected event field type")
	}
}

// StateKey returns the "state_key" of the event, or nil if the event is not a state event.
func (e *Event) StateKey() *string {
	return e.commonFields().StateKey
}

// StateKeyEquals returns true if the event is a state event and its "state_key" matches.
func (e *Event) StateKeyEquals(stateKey string) bool {
	sk := e.commonFields().StateKey
	if sk == nil {
		return false
	}
	return *sk == stateKey
}

// Type returns the type of the event.
func (e *Event) Type() string {
	return e.commonFields().Type
}

// Content returns the content JSON of the event.
func (e *Event) Content() []byte {
	return []byte(e.commonFields().Content)
}

// Unsigned returns the JSON object under the "unsigned" key of the event.
func (e *Event) Unsigned() []byte {
	return []byte(e.commonFields().Unsigned)
}

// Membership returns the value of the content.membership field if this
// event is an "m.room.member" event.
func (e *Event) Membership() (string, error) {
	fields := e.commonFields()
	if fields.Type != spec.MRoomMember {
		return "", errorf("not an m.room.member event")
	}
	var content MemberContent
	if err := json.Unmarshal(fields.Content, &content); err != nil {
		return "", err
	}
	return content.Membership, nil
}

// Version returns the room version that this event belongs to.
func (e *Event) Version() RoomVersion {
	return e.roomVersion
}

// RoomID returns the room ID of the room the event is in.
func (e *Event) RoomID() spec.RoomID {
	roomID, err := spec.NewRoomID(e.commonFields().RoomID)
	if err != nil {
		panic(errorf("room ID is invalid: %s", err))
	}
	return *roomID
}

// Redacts returns the event ID of the event this event redacts.
func (e *Event) Redacts() string {
	return e.commonFields().Redacts
}

// PrevEventIDs returns the event IDs of the direct ancestors of the event.
func (e *Event) PrevEventIDs() []string {
	switch f := e.fields.(type) {
	case eventFieldsV1:
		result := make([]string, len(f.PrevEvents))
		for i := range f.PrevEvents {
			result[i] = f.PrevEvents[i].EventID
		}
		return result
	case eventFieldsV2:
		return f.PrevEvents
	default:
		panic("hscore: unexpected event field type")
	}
}

// AuthEventIDs returns the event IDs of the events needed to authenticate the event.
func (e *Event) AuthEventIDs() []string {
	switch f := e.fields.(type) {
	case eventFieldsV1:
		result := make([]string, len(f.AuthEvents))
		for i := range f.AuthEvents {
			result[i] = f.AuthEvents[i].EventID
		}
		return result
	case eventFieldsV2:
		return f.AuthEvents
	default:
		panic("hscore: unexpected event field type")
	}
}

// OriginServerTS returns the unix timestamp, in milliseconds, at which the
// origin server claims to have created the event.
func (e *Event) OriginServerTS() spec.Timestamp {
	return e.commonFields().OriginServerTS
}

// Origin returns the name of the server that sent the event. Only carried
// by room versions 1 and 2; later room versions rely on the sender's
// domain instead.
func (e *Event) Origin() spec.ServerName {
	return e.commonFields().Origin
}

// SenderID returns the raw sender identifier of the event. In the room
// versions this implementation supports, that is always a full user ID.
func (e *Event) SenderID() spec.SenderID {
	return spec.SenderID(e.commonFields().Sender)
}

// Depth returns the depth of the event. This is one greater than the
// maximum depth of its prev_events; the create event has a depth of 1.
func (e *Event) Depth() int64 {
	return e.commonFields().Depth
}

// JSON returns the full JSON serialisation of the event.
func (e *Event) JSON() []byte {
	return e.eventJSON
}

// Redacted returns whether the event is stored in its redacted form,
// either because it failed content hash verification or because Redact
// was called on it.
func (e *Event) Redacted() bool {
	return e.redacted
}

// Redact returns a redacted copy of the event.
func (e *Event) Redact() *Event {
	if e.redacted {
		return e
	}
	verImpl, err := GetRoomVersion(e.roomVersion)
	if err != nil {
		panic(errorf("unknown room version: %s", err))
	}
	eventJSON, err := verImpl.RedactEventJSON(e.eventJSON)
	if err != nil {
		panic(errorf("invalid event: %s", err))
	}
	eventJSON, err = canonicaljson.CanonicalJSON(eventJSON)
	if err != nil {
		panic(errorf("invalid event: %s", err))
	}
	result, err := NewEventFromTrustedJSONWithEventID(e.EventID(), eventJSON, true, e.roomVersion)
	if err != nil {
		panic(errorf("invalid event: %s", err))
	}
	return result
}

// Sign returns a copy of the event with an additional signature.
func (e *Event) Sign(signingName string, keyID keys.KeyID, privateKey ed25519.PrivateKey) *Event {
	eventJSON, err := signEvent(signingName, keyID, privateKey, e.eventJSON, e.roomVersion)
	if err != nil {
		panic(errorf("invalid event: %s", err))
	}
	eventJSON, err = canonicaljson.CanonicalJSON(eventJSON)
	if err != nil {
		panic(errorf("invalid event: %s", err))
	}
	result, err := NewEventFromTrustedJSONWithEventID(e.EventID(), eventJSON, e.redacted, e.roomVersion)
	if err != nil {
		panic(errorf("invalid event: %s", err))
	}
	return result
}

// SetUnsignedField inserts a value into the event's "unsigned" object at
// the given dot-separated path (see the gjson/sjson path syntax; '.' and
// '*' in a key must be escaped). This mutates the event's JSON directly
// since unsigned fields don't affect hashes or signatures.
func (e *Event) SetUnsignedField(path string, value interface{}) error {
	eventJSON, err := sjson.SetBytes(e.eventJSON, "unsigned."+path, value)
	if err != nil {
		return err
	}
	eventJSON = canonicaljson.AssumeValid(eventJSON)

	unsigned := gjson.GetBytes(eventJSON, "unsigned").Raw

	e.eventJSON = eventJSON
	switch f := e.fields.(type) {
	case eventFieldsV1:
		f.Unsigned = json.RawMessage(unsigned)
		e.fields = f
	case eventFieldsV2:
		f.Unsigned = json.RawMessage(unsigned)
		e.fields = f
	default:
		panic("hscore: unexpected event field type")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.eventJSON == nil {
		return nil, errorf("cannot serialise uninitialised event")
	}
	return e.eventJSON, nil
}

// Headered wraps the event in a HeaderedEvent carrying the given room version.
func (e *Event) Headered(roomVersion RoomVersion) *HeaderedEvent {
	return &HeaderedEvent{
		EventHeader: EventHeader{RoomVersion: roomVersion},
		Event:       e,
	}
}

// EventHeader carries metadata about an event that isn't part of the wire
// format, but that's useful to keep alongside the event in memory or in
// storage. Every field must have a unique "_"-prefixed json tag so that
// HeaderedEvent's reflection-based (un)marshalling can find and strip it.
type EventHeader struct {
	RoomVersion RoomVersion       `json:"_room_version,omitempty"`
	Visibility  HistoryVisibility `json:"_visibility,omitempty"`
}

// HeaderedEvent is a wrapper around an Event that also carries the room
// version (and, optionally, the history visibility in effect when the
// event was received). Header fields are folded into the event JSON when
// marshalling and split back out when unmarshalling.
type HeaderedEvent struct {
	EventHeader
	*Event
}

// Unwrap extracts the underlying event, panicking if the header is missing
// the room version needed to interpret it.
func (e *HeaderedEvent) Unwrap() *Event {
	if e.RoomVersion == "" {
		panic("hscore: malformed HeaderedEvent doesn't contain room version")
	}
	event := e.Event
	event.roomVersion = e.RoomVersion
	return event
}

// UnwrapEventHeaders unwraps a slice of headered events.
func UnwrapEventHeaders(in []*HeaderedEvent) []*Event {
	result := make([]*Event, len(in))
	for i := range in {
		result[i] = in[i].Event
	}
	return result
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *HeaderedEvent) UnmarshalJSON(data []byte) error {
	return e.UnmarshalJSONWithEventID(data, "")
}

// UnmarshalJSONWithEventID allows lighter unmarshalling when the event ID
// is already known, rather than recomputing it from the reference hash.
// Pass "" if it isn't known.
func (e *HeaderedEvent) UnmarshalJSONWithEventID(data []byte, eventID string) error {
	var header EventHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return err
	}
	e.EventHeader = header

	fields := reflect.TypeOf(header)
	var err error
	for i := 0; i < fields.NumField(); i++ {
		tag := strings.Split(fields.Field(i).Tag.Get("json"), ",")[0]
		if data, err = sjson.DeleteBytes(data, tag); err != nil {
			return err
		}
	}

	event, err := NewEventFromTrustedJSONWithEventID(eventID, data, false, header.RoomVersion)
	if err != nil {
		return err
	}
	e.Event = event
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e HeaderedEvent) MarshalJSON() ([]byte, error) {
	content := e.Event.JSON()
	var err error

	fields := reflect.TypeOf(e.EventHeader)
	values := reflect.ValueOf(e.EventHeader)
	for i := 0; i < fields.NumField(); i++ {
		tag := strings.Split(fields.Field(i).Tag.Get("json"), ",")[0]
		if content, err = sjson.SetBytes(content, tag, values.Field(i).Interface()); err != nil {
			return nil, err
		}
	}
	return content, nil
}
