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
	"strconv"
	"strings"

	"github.com/matrixcore/hscore/spec"
)

// PowerLevelContent is the JSON content of a m.room.power_levels event needed for auth checks.
// Typically the user calls NewPowerLevelContentFromAuthEvents instead of
// unmarshalling the content directly from JSON so defaults can be applied.
// However, the JSON key names are still preserved so it's possible to marshal
// the struct into JSON easily.
type PowerLevelContent struct {
	Ban           int64            `json:"ban"`
	Invite        int64            `json:"invite"`
	Kick          int64            `json:"kick"`
	Redact        int64            `json:"redact"`
	Users         map[string]int64 `json:"users"`
	UsersDefault  int64            `json:"users_default"`
	Events        map[string]int64 `json:"events"`
	EventsDefault int64            `json:"events_default"`
	StateDefault  int64            `json:"state_default"`
	Notifications map[string]int64 `json:"notifications"`
}

// UserLevel returns the power level a user has in the room.
func (c *PowerLevelContent) UserLevel(senderID spec.SenderID) int64 {
	level, ok := c.Users[string(senderID)]
	if ok {
		return level
	}
	return c.UsersDefault
}

// EventLevel returns the power level needed to send an event in the room.
func (c *PowerLevelContent) EventLevel(eventType string, isState bool) int64 {
	if eventType == spec.MRoomThirdPartyInvite {
		// Special case third_party_invite events to have the same level as
		// m.room.member invite events.
		return c.Invite
	}
	level, ok := c.Events[eventType]
	if ok {
		return level
	}
	if isState {
		return c.StateDefault
	}
	return c.EventsDefault
}

// NotificationLevel returns the power level needed to trigger the given
// notification type in the room.
func (c *PowerLevelContent) NotificationLevel(notification string) int64 {
	level, ok := c.Notifications[notification]
	if ok {
		return level
	}
	// The level required to trigger an @room notification defaults to 50 if
	// unspecified.
	return 50
}

// NewPowerLevelContentFromAuthEvents loads the power level content from the
// power level event in the auth events or returns the default values if there
// is no power level event.
func NewPowerLevelContentFromAuthEvents(authEvents AuthEventProvider, creatorUserID string) (c PowerLevelContent, err error) {
	powerLevelsEvent, err := authEvents.PowerLevels()
	if err != nil {
		return
	}
	if powerLevelsEvent != nil {
		return NewPowerLevelContentFromEvent(powerLevelsEvent)
	}

	// If there are no power levels then fall back to defaults.
	c.Defaults()
	// If there is no power level event then the creator gets level 100.
	c.Users = map[string]int64{creatorUserID: 100}
	// If there is no power level event then the state_default is level 50.
	c.StateDefault = 50
	return
}

// Defaults sets the power levels to their default values.
// See https://spec.matrix.org/v1.1/client-server-api/#mroompower_levels for defaults.
func (c *PowerLevelContent) Defaults() {
	c.Invite = 50
	c.Ban = 50
	c.Kick = 50
	c.Redact = 50
	c.UsersDefault = 0
	c.EventsDefault = 0
	c.StateDefault = 50
	c.Notifications = map[string]int64{
		"room": 50,
	}
}

// NewPowerLevelContentFromEvent loads the power level content from an event.
func NewPowerLevelContentFromEvent(event PDU) (c PowerLevelContent, err error) {
	// Set the levels to their default values.
	c.Defaults()

	verImpl, err := GetRoomVersion(event.Version())
	if err != nil {
		return
	}
	if verImpl.RequireIntegerPowerLevels() {
		// Unmarshal directly to PowerLevelContent, since that will kick up an
		// error if one of the power levels isn't an int64.
		if err = json.Unmarshal(event.Content(), &c); err != nil {
			err = errorf("unparsable power_levels event content: %s", err.Error())
		}
		return
	}

	// Older room versions tolerate power levels encoded as JSON strings, so
	// we can't extract the JSON directly into PowerLevelContent: each scalar
	// level has to be decoded through levelJSONValue first.
	var content struct {
		InviteLevel        levelJSONValue            `json:"invite"`
		BanLevel           levelJSONValue            `json:"ban"`
		KickLevel          levelJSONValue            `json:"kick"`
		RedactLevel        levelJSONValue            `json:"redact"`
		UserLevels         map[string]levelJSONValue `json:"users"`
		UsersDefaultLevel  levelJSONValue            `json:"users_default"`
		EventLevels        map[string]levelJSONValue `json:"events"`
		StateDefaultLevel  levelJSONValue            `json:"state_default"`
		EventDefaultLevel  levelJSONValue            `json:"events_default"`
		NotificationLevels map[string]levelJSONValue `json:"notifications"`
	}
	if err = json.Unmarshal(event.Content(), &content); err != nil {
		err = errorf("unparsable power_levels event content: %s", err.Error())
		return
	}

	for _, scalar := range []struct {
		from levelJSONValue
		to   *int64
	}{
		{content.InviteLevel, &c.Invite},
		{content.BanLevel, &c.Ban},
		{content.KickLevel, &c.Kick},
		{content.RedactLevel, &c.Redact},
		{content.UsersDefaultLevel, &c.UsersDefault},
		{content.StateDefaultLevel, &c.StateDefault},
		{content.EventDefaultLevel, &c.EventsDefault},
	} {
		scalar.from.assignIfExists(scalar.to)
	}

	c.Users = levelMapValues(content.UserLevels)
	c.Events = levelMapValues(content.EventLevels)
	// Notifications already carries the "room" default from Defaults(), so
	// merge into it rather than replacing it outright.
	mergeLevelMapValues(c.Notifications, content.NotificationLevels)

	return
}

// levelMapValues converts a map of levelJSONValue into a plain map of int64,
// or nil if the source map was empty, matching encoding/json's behaviour of
// leaving an absent object unmarshalled as a nil map.
func levelMapValues(src map[string]levelJSONValue) map[string]int64 {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v.value
	}
	return dst
}

// mergeLevelMapValues copies src's values into dst in place, overwriting any
// existing default for the same key.
func mergeLevelMapValues(dst map[string]int64, src map[string]levelJSONValue) {
	for k, v := range src {
		dst[k] = v.value
	}
}

// A levelJSONValue is used for unmarshalling power levels from JSON.
// It is intended to replicate the effects of x = int(content["key"]) in python.
type levelJSONValue struct {
	// Was a value loaded from the JSON?
	exists bool
	// The integer value of the power level.
	value int64
}

func (v *levelJSONValue) UnmarshalJSON(data []byte) error {
	// First try to unmarshal as an int64.
	if int64Value, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		v.exists = true
		v.value = int64Value
		return nil
	}
	// If unmarshalling as an int64 fails try as a string.
	var stringValue string
	if err := json.Unmarshal(data, &stringValue); err == nil {
		int64Value, err := strconv.ParseInt(strings.TrimSpace(stringValue), 10, 64)
		if err != nil {
			return err
		}
		v.exists = true
		v.value = int64Value
		return nil
	}
	// If unmarshalling as a string fails try as a float.
	floatValue, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	v.exists = true
	v.value = int64(floatValue)
	return nil
}

// assignIfExists assigns the power level if a value was present in the JSON.
func (v *levelJSONValue) assignIfExists(to *int64) {
	if v.exists {
		*to = v.value
	}
}
