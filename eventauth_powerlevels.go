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
	"github.com/matrixcore/hscore/spec"
)

// powerLevelsEventAllowed checks whether the m.room.power_levels event is allowed.
// It returns an error if the event is not allowed or if there was a problem
// loading the auth events needed.
func (a *allowerContext) powerLevelsEventAllowed(event PDU) error {
	allower, err := a.newEventAllower(event.SenderID())
	if err != nil {
		return err
	}

	// power level events must pass the default checks.
	// These checks will catch if the user has a high enough level to set a m.room.power_levels state event.
	if err = allower.commonChecks(event); err != nil {
		return err
	}

	// Parse the power levels.
	newPowerLevels, err := NewPowerLevelContentFromEvent(event)
	if err != nil {
		return err
	}

	// Check that the user levels are all valid user IDs.
	for senderID := range newPowerLevels.Users {
		sender, err := a.userIDQuerier(a.roomID, spec.SenderID(senderID))
		if err != nil {
			return err
		}
		if sender == nil || !isValidUserID(sender.String()) {
			return errorf("Not a valid user ID: %q", senderID)
		}
	}

	// Grab the old levels so that we can compare new the levels against them.
	oldPowerLevels := a.powerLevels
	senderLevel := oldPowerLevels.UserLevel(event.SenderID())

	// Check that the changes in event levels are allowed.
	if err = checkEventLevels(senderLevel, oldPowerLevels, newPowerLevels); err != nil {
		return err
	}

	// Check that the changes in notification levels are allowed.
	verImpl, err := GetRoomVersion(event.Version())
	if err != nil {
		return nil
	}
	if err = verImpl.CheckNotificationLevels(senderLevel, oldPowerLevels, newPowerLevels); err != nil {
		return err
	}

	// Check that the changes in user levels are allowed.
	return checkUserLevels(senderLevel, event.SenderID(), oldPowerLevels, newPowerLevels)
}

// noCheckLevels doesn't perform any checks, used for room versions <= 5
func noCheckLevels(senderLevel int64, oldPowerLevels, newPowerLevels PowerLevelContent) error {
	return nil
}

// levelPair is an old/new pair of power levels, as seen when diffing the
// content of two m.room.power_levels events.
type levelPair struct {
	old int64
	new int64
}

// levelChangeAllowed reports whether a sender at senderLevel may change a
// level from old to new. A sender must never raise a level above their own.
// Whether they may touch a level already at or above their own depends on
// requireStrictOld: ordinary event levels only require the sender to be at
// or above the old level, but notification levels (per the v6 authorization
// rules) and other users' levels require the sender to be strictly above it.
func levelChangeAllowed(senderLevel, old, new int64, requireStrictOld bool) bool {
	if senderLevel < new {
		return false
	}
	if requireStrictOld {
		return senderLevel > old
	}
	return senderLevel >= old
}

// checkLevelPairs walks a list of old/new level changes and fails on the
// first one senderLevel isn't permitted to make, per levelChangeAllowed.
// subject names the kind of level being changed, for the error message.
func checkLevelPairs(senderLevel int64, pairs []levelPair, requireStrictOld bool, subject string) error {
	for _, level := range pairs {
		if level.old == level.new {
			// Levels are always allowed to stay the same.
			continue
		}
		if !levelChangeAllowed(senderLevel, level.old, level.new, requireStrictOld) {
			return errorf(
				"sender with level %d is not allowed to change %s from %d to %d",
				senderLevel, subject, level.old, level.new,
			)
		}
	}
	return nil
}

// checkEventLevels checks that the changes in event levels are allowed.
// This differs slightly in behaviour from the code in synapse because it
// will use the default value if a level is not present in one of the old or
// new events.
func checkEventLevels(senderLevel int64, oldPowerLevels, newPowerLevels PowerLevelContent) error {
	// First add all the named levels.
	levelChecks := []levelPair{
		{oldPowerLevels.Ban, newPowerLevels.Ban},
		{oldPowerLevels.Invite, newPowerLevels.Invite},
		{oldPowerLevels.Kick, newPowerLevels.Kick},
		{oldPowerLevels.Redact, newPowerLevels.Redact},
		{oldPowerLevels.StateDefault, newPowerLevels.StateDefault},
		{oldPowerLevels.EventsDefault, newPowerLevels.EventsDefault},
	}

	// Then add checks for each event key in the new and old levels. We use
	// the default values for non-state events when applying the checks.
	// TODO: the per event levels do not distinguish between state and
	// non-state events. However the default values do make that
	// distinction. We may want to change this.
	const isStateEvent = false
	for eventType := range newPowerLevels.Events {
		levelChecks = append(levelChecks, levelPair{
			oldPowerLevels.EventLevel(eventType, isStateEvent),
			newPowerLevels.EventLevel(eventType, isStateEvent),
		})
	}
	for eventType := range oldPowerLevels.Events {
		levelChecks = append(levelChecks, levelPair{
			oldPowerLevels.EventLevel(eventType, isStateEvent),
			newPowerLevels.EventLevel(eventType, isStateEvent),
		})
	}

	return checkLevelPairs(senderLevel, levelChecks, false, "level")
}

// checkNotificationLevels checks that the changes in notification levels are
// allowed. Unlike ordinary event levels, a sender must be strictly above the
// old notification level to change it, not merely at or above it.
func checkNotificationLevels(senderLevel int64, oldPowerLevels, newPowerLevels PowerLevelContent) error {
	var notificationLevelChecks []levelPair
	for notification := range newPowerLevels.Notifications {
		notificationLevelChecks = append(notificationLevelChecks, levelPair{
			oldPowerLevels.NotificationLevel(notification),
			newPowerLevels.NotificationLevel(notification),
		})
	}
	for notification := range oldPowerLevels.Notifications {
		notificationLevelChecks = append(notificationLevelChecks, levelPair{
			oldPowerLevels.NotificationLevel(notification),
			newPowerLevels.NotificationLevel(notification),
		})
	}

	return checkLevelPairs(senderLevel, notificationLevelChecks, true, "notification level")
}

// checkUserLevels checks that the changes in user levels are allowed. A
// sender may always reduce their own level; changing someone else's level
// additionally requires the sender to be strictly above that user's old
// level, matching the requireStrictOld behaviour of notification levels.
func checkUserLevels(senderLevel int64, senderID spec.SenderID, oldPowerLevels, newPowerLevels PowerLevelContent) error {
	userLevelChecks := map[spec.SenderID]levelPair{}
	for userSenderID := range newPowerLevels.Users {
		userLevelChecks[spec.SenderID(userSenderID)] = levelPair{
			old: oldPowerLevels.UserLevel(spec.SenderID(userSenderID)),
			new: newPowerLevels.UserLevel(spec.SenderID(userSenderID)),
		}
	}
	// also add old levels to check for e.g. deletions
	for userSenderID := range oldPowerLevels.Users {
		userLevelChecks[spec.SenderID(userSenderID)] = levelPair{
			old: oldPowerLevels.UserLevel(spec.SenderID(userSenderID)),
			new: newPowerLevels.UserLevel(spec.SenderID(userSenderID)),
		}
	}

	for userSenderID, level := range userLevelChecks {
		if level.old == level.new {
			continue
		}

		if senderLevel < level.new {
			return errorf(
				"sender %q with level %d is not allowed change user %q level from %d to %d"+
					" because the new level is above the level of the sender",
				senderID, senderLevel, userSenderID, level.old, level.new,
			)
		}

		if userSenderID == senderID {
			// Users are always allowed to reduce their own user level. We
			// know that the user is reducing their level because of the
			// previous check.
			continue
		}

		if !levelChangeAllowed(senderLevel, level.old, level.new, true) {
			return errorf(
				"sender %q with level %d is not allowed to change user %q level from %d to %d"+
					" because the old level is equal to or above the level of the sender",
				senderID, senderLevel, userSenderID, level.old, level.new,
			)
		}
	}

	return nil
}
