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

// createContent keeps the fields needed in a m.room.create event.
// Create events need to keep the creator, and from room version 11 onwards
// the room_version key too, since the create event's sender domain can no
// longer be relied on for room version checks.
type createContent struct {
	Creator     json.RawMessage `json:"creator,omitempty"`
	RoomVersion json.RawMessage `json:"room_version,omitempty"`
}

// joinRulesContent keeps the fields needed in a m.room.join_rules event.
// Join rules events need to keep the join_rule key.
type joinRulesContent struct {
	JoinRule json.RawMessage `json:"join_rule,omitempty"`
	Allow    json.RawMessage `json:"allow,omitempty"`
}

// powerLevelContent keeps the fields needed in a m.room.power_levels event.
// Power level events need to keep all the levels.
type redactPowerLevelContent struct {
	Users         json.RawMessage `json:"users,omitempty"`
	UsersDefault  json.RawMessage `json:"users_default,omitempty"`
	Events        json.RawMessage `json:"events,omitempty"`
	EventsDefault json.RawMessage `json:"events_default,omitempty"`
	StateDefault  json.RawMessage `json:"state_default,omitempty"`
	Ban           json.RawMessage `json:"ban,omitempty"`
	Kick          json.RawMessage `json:"kick,omitempty"`
	Redact        json.RawMessage `json:"redact,omitempty"`
	Invite        json.RawMessage `json:"invite,omitempty"`
}

// memberContent keeps the fields needed in a m.room.member event.
// Member events keep the membership, and from room version 9 onwards the
// join_authorised_via_users_server key too.
type redactMemberContent struct {
	Membership    json.RawMessage `json:"membership,omitempty"`
	AuthorisedVia string       `json:"join_authorised_via_users_server,omitempty"`
}

// aliasesContent keeps the fields needed in a m.room.aliases event.
type aliasesContent struct {
	Aliases json.RawMessage `json:"aliases,omitempty"`
}

// historyVisibilityContent keeps the fields needed in a m.room.history_visibility event.
type historyVisibilityContent struct {
	HistoryVisibility json.RawMessage `json:"history_visibility,omitempty"`
}

// allContent keeps the union of all the content fields needed across all the event types.
// All the content JSON keys we are keeping are distinct across the different event types.
type allContent struct {
	createContent
	joinRulesContent
	redactPowerLevelContent
	redactMemberContent
	aliasesContent
	historyVisibilityContent
}

// eventFields keeps the top level keys needed by all event types.
// See https://github.com/matrix-org/synapse/blob/v0.18.7/synapse/events/utils.py#L42-L56 for the list of fields
type eventFields struct {
	EventID        json.RawMessage `json:"event_id,omitempty"`
	Sender         json.RawMessage `json:"sender,omitempty"`
	RoomID         json.RawMessage `json:"room_id,omitempty"`
	Hashes         json.RawMessage `json:"hashes,omitempty"`
	Signatures     json.RawMessage `json:"signatures,omitempty"`
	Content        allContent   `json:"content"`
	Type           string       `json:"type"`
	StateKey       json.RawMessage `json:"state_key,omitempty"`
	Depth          json.RawMessage `json:"depth,omitempty"`
	PrevEvents     json.RawMessage `json:"prev_events,omitempty"`
	PrevState      json.RawMessage `json:"prev_state,omitempty"`
	AuthEvents     json.RawMessage `json:"auth_events,omitempty"`
	Origin         json.RawMessage `json:"origin,omitempty"`
	OriginServerTS json.RawMessage `json:"origin_server_ts,omitempty"`
	Membership     json.RawMessage `json:"membership,omitempty"`
}

// redactEventJSON strips the user controlled fields from an event, but leaves the
// fields necessary for authenticating the event, as dictated by d's redaction algorithm.
func redactEventJSON(eventJSON []byte, d roomVersionDescriptor) ([]byte, error) {
	var event eventFields
	// Unmarshalling into a struct will discard any extra fields from the event.
	if err := json.Unmarshal(eventJSON, &event); err != nil {
		return nil, err
	}

	algo := d.redactionAlgorithm

	var newContent allContent
	// Copy the content fields that we should keep for the event type.
	// By default we copy nothing leaving the content object empty.
	switch event.Type {
	case spec.MRoomCreate:
		newContent.createContent = event.Content.createContent
		if algo < RedactionAlgorithmV5 {
			// The room_version key only survives redaction from room
			// version 11 onwards.
			newContent.createContent.RoomVersion = nil
		}
	case spec.MRoomMember:
		newContent.redactMemberContent = event.Content.redactMemberContent
		if algo < RedactionAlgorithmV4 {
			// We only stopped redacting the 'join_authorised_via_users_server'
			// key in room version 9, so if the algorithm used is from an older
			// room version, we should ensure this field is redacted.
			newContent.redactMemberContent.AuthorisedVia = ""
		}
	case spec.MRoomJoinRules:
		newContent.joinRulesContent = event.Content.joinRulesContent
		if algo < RedactionAlgorithmV3 {
			// We only stopped redacting the 'allow' key in room version 8,
			// so if the algorithm used is from an older room version, we
			// should ensure this field is redacted.
			newContent.joinRulesContent.Allow = nil
		}
	case spec.MRoomPowerLevels:
		newContent.redactPowerLevelContent = event.Content.redactPowerLevelContent
		if algo < RedactionAlgorithmV5 {
			// The 'invite' power level key only survives redaction from
			// room version 11 onwards.
			newContent.redactPowerLevelContent.Invite = nil
		}
	case spec.MRoomHistoryVisibility:
		newContent.historyVisibilityContent = event.Content.historyVisibilityContent
	case spec.MRoomAliases:
		if algo == RedactionAlgorithmV1 {
			newContent.aliasesContent = event.Content.aliasesContent
		}
	}
	// Replace the content with our new filtered content.
	// This will zero out any keys that weren't copied in the switch statement above.
	event.Content = newContent
	// Return the redacted event encoded as JSON.
	return json.Marshal(&event)
}
