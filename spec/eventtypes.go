package spec

// Membership values, as they appear in the "membership" key of an
// m.room.member event's content.
const (
	Join            = "join"
	Ban             = "ban"
	Leave           = "leave"
	Invite          = "invite"
	Knock           = "knock"
	Restricted      = "restricted"
	KnockRestricted = "knock_restricted"
)

// Join rule values, as they appear in the "join_rule" key of an
// m.room.join_rules event's content.
const (
	Public        = "public"
	WorldReadable = "world_readable"
)

// Room creation presets, used only by collaborators building proto-events;
// the authorization engine never inspects these directly.
const (
	PresetPrivateChat        = "private_chat"
	PresetTrustedPrivateChat = "trusted_private_chat"
	PresetPublicChat         = "public_chat"
)

// Well-known state event types the authorization engine and state resolver
// give special treatment to.
const (
	MRoomCreate            = "m.room.create"
	MRoomJoinRules         = "m.room.join_rules"
	MRoomPowerLevels       = "m.room.power_levels"
	MRoomMember            = "m.room.member"
	MRoomThirdPartyInvite  = "m.room.third_party_invite"
	MRoomAliases           = "m.room.aliases"
	MRoomCanonicalAlias    = "m.room.canonical_alias"
	MRoomHistoryVisibility = "m.room.history_visibility"
	MRoomRedaction         = "m.room.redaction"
)
