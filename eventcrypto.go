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
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"

	"github.com/matrixcore/hscore/canonicaljson"
	"github.com/matrixcore/hscore/keys"
	"github.com/matrixcore/hscore/serverkeys"
	"github.com/matrixcore/hscore/spec"
)

// VerifyAllEventSignatures checks the signatures of a batch of events,
// returning one error (or nil) per event in the same order.
func VerifyAllEventSignatures(ctx context.Context, events []PDU, verifier serverkeys.JSONVerifier, userIDForSender spec.UserIDForSender) []error {
	errs := make([]error, 0, len(events))
	for _, e := range events {
		errs = append(errs, VerifyEventSignatures(ctx, e, verifier, userIDForSender))
	}
	return errs
}

// VerifyEventSignatures checks that an event carries a valid signature from
// every server required to have signed it: the sender's server always, the
// event ID's origin for room versions 1 and 2, the invited server for
// invites, and the authorising server for restricted joins.
func VerifyEventSignatures(ctx context.Context, e PDU, verifier serverkeys.JSONVerifier, userIDForSender spec.UserIDForSender) error {
	if userIDForSender == nil {
		panic("UserIDForSender func is nil")
	}

	needed := map[spec.ServerName]struct{}{}

	// The sender should have signed the event in all cases.
	roomID := e.RoomID()
	sender, err := userIDForSender(roomID, e.SenderID())
	if err != nil {
		return fmt.Errorf("invalid sender userID: %w", err)
	}
	serverName := sender.Domain()
	needed[serverName] = struct{}{}

	verImpl, err := GetRoomVersion(e.Version())
	if err != nil {
		return err
	}

	// In room versions 1 and 2, we should also check that the server
	// that created the event is included too. This is probably the
	// same as the sender.
	format := verImpl.EventIDFormat()
	if format == EventIDFormatV1 {
		_, serverName, err = SplitID('$', e.EventID())
		if err != nil {
			return fmt.Errorf("failed to split event ID: %w", err)
		}
		needed[serverName] = struct{}{}
	}

	// Special checks for membership events.
	if e.Type() == spec.MRoomMember {
		membership, err := e.Membership()
		if err != nil {
			return fmt.Errorf("failed to get membership of membership event: %w", err)
		}

		// For invites, the invited server should have signed the event.
		if membership == spec.Invite {
			_, serverName, err = SplitID('@', *e.StateKey())
			if err != nil {
				return fmt.Errorf("failed to split state key: %w", err)
			}
			needed[serverName] = struct{}{}
		}

		// For restricted join rules, the authorising server should have signed.
		if membership == spec.Join {
			auth, err := verImpl.RestrictedJoinServername(e.Content())
			if err != nil {
				return err
			}
			if auth != "" {
				needed[auth] = struct{}{}
			}
		}
	}

	redactedJSON, err := verImpl.RedactEventJSON(e.JSON())
	if err != nil {
		return fmt.Errorf("failed to redact event: %w", err)
	}

	toVerify := make([]serverkeys.VerifyJSONRequest, 0, len(needed))
	for serverName := range needed {
		toVerify = append(toVerify, serverkeys.VerifyJSONRequest{
			Message:                redactedJSON,
			AtTS:                   e.OriginServerTS(),
			ServerName:             serverName,
			StrictValidityChecking: verImpl.EnforceSignatureValidityPeriod(),
		})
	}

	results, err := verifier.VerifyJSONs(ctx, toVerify)
	if err != nil {
		return fmt.Errorf("failed to verify JSONs: %w", err)
	}

	for _, result := range results {
		if result.Error != nil {
			return result.Error
		}
	}

	return nil
}

// extractAuthorisedViaServerName pulls the server name out of a member
// event's join_authorised_via_users_server key, if present.
func extractAuthorisedViaServerName(content []byte) (spec.ServerName, error) {
	if v := gjson.GetBytes(content, "join_authorised_via_users_server"); v.Exists() {
		_, serverName, err := SplitID('@', v.String())
		if err != nil {
			return "", fmt.Errorf("failed to split authorised server: %w", err)
		}
		return serverName, nil
	}
	return "", nil
}

func emptyAuthorisedViaServerName([]byte) (spec.ServerName, error) { return "", nil }

// addContentHashesToEvent sets the "hashes" key of the event with a SHA-256 hash of the unredacted event content.
// This hash is used to detect whether the unredacted content of the event is valid.
// Returns the event JSON with a "hashes" key added to it.
func addContentHashesToEvent(eventJSON []byte) ([]byte, error) {
	var event map[string]json.RawMessage

	if err := json.Unmarshal(eventJSON, &event); err != nil {
		return nil, err
	}

	unsignedJSON := event["unsigned"]
	signatures := event["signatures"]

	delete(event, "signatures")
	delete(event, "unsigned")
	delete(event, "hashes")

	hashableEventJSON, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	hashableEventJSON, err = canonicaljson.CanonicalJSON(hashableEventJSON)
	if err != nil {
		return nil, err
	}

	sha256Hash := sha256.Sum256(hashableEventJSON)
	hashes := struct {
		Sha256 spec.Base64Bytes `json:"sha256"`
	}{spec.Base64Bytes(sha256Hash[:])}
	hashesJSON, err := json.Marshal(&hashes)
	if err != nil {
		return nil, err
	}

	if len(unsignedJSON) > 0 {
		event["unsigned"] = unsignedJSON
	}
	if len(signatures) > 0 {
		event["signatures"] = signatures
	}
	event["hashes"] = json.RawMessage(hashesJSON)

	return json.Marshal(event)
}

// checkEventContentHash checks if the unredacted content of the event matches the SHA-256 hash under the "hashes" key.
// Assumes that eventJSON has been canonicalised already.
func checkEventContentHash(eventJSON []byte) error {
	var err error

	result := gjson.GetBytes(eventJSON, "hashes.sha256")
	var hash spec.Base64Bytes
	if err = hash.Decode(result.Str); err != nil {
		return err
	}

	hashableEventJSON := eventJSON

	for _, key := range []string{"signatures", "unsigned", "hashes"} {
		if hashableEventJSON, err = sjson.DeleteBytes(hashableEventJSON, key); err != nil {
			return err
		}
	}

	sha256Hash := sha256.Sum256(hashableEventJSON)

	if !bytes.Equal(sha256Hash[:], []byte(hash)) {
		return fmt.Errorf("invalid sha256 content hash: %x != %x", sha256Hash[:], []byte(hash))
	}

	return nil
}

// referenceOfEvent returns the event ID and the SHA-256 hash of the
// redacted event content, computing the event ID from the reference hash
// for room versions that don't carry an explicit event_id field.
func referenceOfEvent(eventJSON []byte, roomVersion RoomVersion) (eventReference, error) {
	verImpl, err := GetRoomVersion(roomVersion)
	if err != nil {
		return eventReference{}, err
	}
	redactedJSON, err := verImpl.RedactEventJSON(eventJSON)
	if err != nil {
		return eventReference{}, err
	}

	var event map[string]json.RawMessage
	if err = json.Unmarshal(redactedJSON, &event); err != nil {
		return eventReference{}, err
	}

	delete(event, "signatures")
	delete(event, "unsigned")

	hashableEventJSON, err := json.Marshal(event)
	if err != nil {
		return eventReference{}, err
	}

	hashableEventJSON, err = canonicaljson.CanonicalJSON(hashableEventJSON)
	if err != nil {
		return eventReference{}, err
	}

	sha256Hash := sha256.Sum256(hashableEventJSON)
	var eventID string

	switch verImpl.EventFormat() {
	case EventFormatV1:
		if err = json.Unmarshal(event["event_id"], &eventID); err != nil {
			return eventReference{}, err
		}
	case EventFormatV2:
		var encoder *base64.Encoding
		switch verImpl.EventIDFormat() {
		case EventIDFormatV2:
			encoder = base64.RawStdEncoding.WithPadding(base64.NoPadding)
		case EventIDFormatV3:
			encoder = base64.RawURLEncoding.WithPadding(base64.NoPadding)
		default:
			return eventReference{}, UnsupportedRoomVersionError{Version: roomVersion}
		}
		eventID = fmt.Sprintf("$%s", encoder.EncodeToString(sha256Hash[:]))
	default:
		return eventReference{}, UnsupportedRoomVersionError{Version: roomVersion}
	}

	return eventReference{eventID, sha256Hash[:]}, nil
}

// signEvent adds an ed25519 signature to the event for the given key.
func signEvent(signingName string, keyID keys.KeyID, privateKey ed25519.PrivateKey, eventJSON []byte, roomVersion RoomVersion) ([]byte, error) {
	verImpl, err := GetRoomVersion(roomVersion)
	if err != nil {
		return nil, err
	}
	// Redact the event before signing so the signature remains valid even if the event is redacted.
	redactedJSON, err := verImpl.RedactEventJSON(eventJSON)
	if err != nil {
		return nil, err
	}

	// Sign the JSON, this adds a "signatures" key to the redacted event.
	signedJSON, err := keys.SignJSON(signingName, keyID, privateKey, redactedJSON)
	if err != nil {
		return nil, err
	}

	var signedEvent struct {
		Signatures json.RawMessage `json:"signatures"`
	}
	if err := json.Unmarshal(signedJSON, &signedEvent); err != nil {
		return nil, err
	}

	// Unmarshal the event JSON so that we can replace the signatures key.
	var event map[string]json.RawMessage
	if err := json.Unmarshal(eventJSON, &event); err != nil {
		return nil, err
	}

	event["signatures"] = signedEvent.Signatures

	return json.Marshal(event)
}
