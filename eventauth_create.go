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
)

// checkCreateEvent validates the content of a m.room.create event against
// the rules a given room version imposes on it.
func checkCreateEvent(event PDU, verImpl IRoomVersion, knownRoomVersion func(RoomVersion) bool) error {
	var content CreateContent
	if err := json.Unmarshal(event.Content(), &content); err != nil {
		return errorf("unparsable create event content: %s", err.Error())
	}
	if content.RoomVersion != nil && !knownRoomVersion(*content.RoomVersion) {
		return errorf("create event has unknown room_version %q", *content.RoomVersion)
	}
	if verImpl.RequireCreateRoomVersionOnCreate() {
		if content.RoomVersion == nil {
			return errorf("create event is missing required room_version")
		}
	} else if content.Creator == "" {
		return errorf("create event is missing required 'creator' key")
	}
	return nil
}

// createEventAllowed checks whether the m.room.create event is allowed.
// It returns an error if the event is not allowed.
func (a *allowerContext) createEventAllowed(event PDU) error {
	if !event.StateKeyEquals("") {
		return errorf("create event state key is not empty: %v", event.StateKey())
	}
	if len(event.PrevEventIDs()) > 0 {
		return errorf("create event must be the first event in the room: found %d prev_events", len(event.PrevEventIDs()))
	}
	sender, err := a.userIDQuerier(a.roomID, event.SenderID())
	if err != nil {
		return err
	}
	if sender.Domain() != event.RoomID().Domain() {
		return errorf("create event room ID domain does not match sender: %q != %q", event.RoomID().Domain(), sender.String())
	}

	verImpl, err := GetRoomVersion(event.Version())
	if err != nil {
		return nil
	}
	if err = verImpl.CheckCreateEvent(event, KnownRoomVersion); err != nil {
		return err
	}

	return nil
}

// aliasEventAllowed checks whether the m.room.aliases event is allowed.
// Alias events have different authentication rules to ordinary events: any
// server is allowed to send one, as long as the state key matches its own
// domain, so that server admins can update their own alias mappings without
// needing to be joined to the room.
func (a *allowerContext) aliasEventAllowed(event PDU) error {
	sender, err := a.userIDQuerier(a.roomID, event.SenderID())
	if err != nil {
		return err
	}

	if event.RoomID().String() != a.create.roomID {
		return errorf(
			"create event has different roomID: %q (%s) != %q (%s)",
			event.RoomID().String(), event.EventID(), a.create.roomID, a.create.eventID,
		)
	}

	// Check that server is allowed in the room by the m.room.federate flag.
	if err := a.create.DomainAllowed(string(sender.Domain())); err != nil {
		return err
	}

	// Check that the state key matches the server sending this event.
	if !event.StateKeyEquals(string(sender.Domain())) {
		return errorf("alias state_key does not match sender domain, %q != %q", sender.Domain(), *event.StateKey())
	}

	return nil
}
