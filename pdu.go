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
	"encoding/json"

	"github.com/matrixcore/hscore/spec"
)

// PDU is a Persistent Data Unit: a matrix event as it is stored in room
// state and DAG history. Event implements this interface; callers that
// only need to read an event's fields should depend on PDU rather than
// the concrete type so that auth checks and state resolution can run
// over events loaded from different sources.
type PDU interface {
	EventID() string
	StateKey() *string
	StateKeyEquals(stateKey string) bool
	Type() string
	Content() []byte
	Membership() (string, error)
	Version() RoomVersion
	RoomID() spec.RoomID
	Redacts() string
	PrevEventIDs() []string
	AuthEventIDs() []string
	OriginServerTS() spec.Timestamp
	SenderID() spec.SenderID
	Depth() int64
	JSON() []byte
}

// ToPDUs widens a slice of a concrete PDU implementation to a slice of PDU.
func ToPDUs[T PDU](events []T) []PDU {
	result := make([]PDU, len(events))
	for i := range events {
		result[i] = events[i]
	}
	return result
}

// A StateKeyTuple is the combination of an event type and an event state
// key. It is often used as a key in maps.
type StateKeyTuple struct {
	// The "type" key of a matrix event.
	EventType string
	// The "state_key" of a matrix event.
	// The empty string is a legitimate value for the "state_key" in matrix
	// so take care to initialise this field lest you accidentally request a
	// "state_key" with the Go default of the empty string.
	StateKey string
}

// An eventReference is a reference to a matrix event as carried by
// prev_events/auth_events in room versions 1 and 2, where each reference
// is a [event_id, {"sha256": ...}] tuple rather than a bare ID string.
type eventReference struct {
	EventID     string
	EventSHA256 spec.Base64Bytes
}

// UnmarshalJSON implements json.Unmarshaler for the [event_id, hashes] tuple.
func (er *eventReference) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return errorf("invalid event reference, invalid length: %d != 2", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &er.EventID); err != nil {
		return errorf("invalid event reference, first element is invalid: %q %v", string(tuple[0]), err)
	}
	var hashes struct {
		SHA256 spec.Base64Bytes `json:"sha256"`
	}
	if err := json.Unmarshal(tuple[1], &hashes); err != nil {
		return errorf("invalid event reference, second element is invalid: %q %v", string(tuple[1]), err)
	}
	er.EventSHA256 = hashes.SHA256
	return nil
}

// MarshalJSON implements json.Marshaler for the [event_id, hashes] tuple.
func (er eventReference) MarshalJSON() ([]byte, error) {
	hashes := struct {
		SHA256 spec.Base64Bytes `json:"sha256"`
	}{er.EventSHA256}
	tuple := []interface{}{er.EventID, hashes}
	return json.Marshal(&tuple)
}

// A ProtoEvent is a mutable event builder used to assemble a new event
// before it is hashed and signed. Call StateNeededForProtoEvent and then
// AuthEventReferences to discover and fill in the auth_events needed for
// the event, and SetContent/SetUnsigned to fill in the JSON-valued fields.
type ProtoEvent struct {
	// The user ID of the user sending the event.
	Sender spec.SenderID `json:"sender"`
	// The room ID of the room this event is in.
	RoomID string `json:"room_id"`
	// The type of the event.
	Type string `json:"type"`
	// The state_key of the event if the event is a state event or nil if the event is not a state event.
	StateKey *string `json:"state_key,omitempty"`
	// The event IDs of the events that immediately preceded this event in the room history.
	PrevEvents []string `json:"prev_events"`
	// The event IDs of the events needed to authenticate this event.
	AuthEvents []string `json:"auth_events"`
	// The event ID of the event being redacted if this event is a "m.room.redaction".
	Redacts string `json:"redacts,omitempty"`
	// The depth of the event. This should be one greater than the maximum depth of the previous events.
	// The create event has a depth of 1.
	Depth int64 `json:"depth"`
	// The JSON object for the "content" key of the event.
	Content json.RawMessage `json:"content"`
	// The JSON object for the "unsigned" key of the event.
	Unsigned json.RawMessage `json:"unsigned,omitempty"`
}

// SetContent sets the JSON content key of the event.
func (pe *ProtoEvent) SetContent(content interface{}) (err error) {
	pe.Content, err = json.Marshal(content)
	return
}

// SetUnsigned sets the JSON unsigned key of the event.
func (pe *ProtoEvent) SetUnsigned(unsigned interface{}) (err error) {
	pe.Unsigned, err = json.Marshal(unsigned)
	return
}
