package spec

import (
	"fmt"
	"regexp"
)

const userSigil = '@'

var validUsernameRegex = regexp.MustCompile(`^[0-9a-z_\-=./]+$`)

// A UserID identifies a matrix user as per the matrix specification
type UserID struct {
	raw    string
	local  string
	domain string
}

// Creates a new UserID, returning an error if invalid
func NewUserID(id string, allowHistoricalIDs bool) (*UserID, error) {
	return parseAndValidateUserID(id, allowHistoricalIDs)
}

// Creates a new UserID, panicing if invalid
func NewUserIDOrPanic(id string, allowHistoricalIDs bool) UserID {
	userID, err := parseAndValidateUserID(id, allowHistoricalIDs)
	if err != nil {
		panic(fmt.Sprintf("NewUserIDOrPanic failed: invalid user ID %s: %s", id, err.Error()))
	}
	return *userID
}

// Returns the full userID string including leading sigil
func (user *UserID) String() string {
	return user.raw
}

// Returns just the localpart of the userID
func (user *UserID) Local() string {
	return user.local
}

// Returns just the domain of the userID
func (user *UserID) Domain() ServerName {
	return ServerName(user.domain)
}

func parseAndValidateUserID(id string, allowHistoricalIDs bool) (*UserID, error) {
	// 4 since minimum userID includes an @, :, non-empty localpart, non-empty domain
	localpart, domain, err := parseSigiledID(id, userSigil, 4, 255, "user", func(local string) error {
		if allowHistoricalIDs {
			// NOTE: Allowed historical userIDs:
			// https://spec.matrix.org/v1.4/appendices/#historical-user-ids
			if !historicallyValidCharacters(local) {
				return fmt.Errorf("local part contains invalid characters from historical set")
			}
			return nil
		}
		// NOTE: Allowed in the latest spec:
		// https://spec.matrix.org/v1.4/appendices/#user-identifiers
		if !validUsernameRegex.MatchString(local) {
			return fmt.Errorf("local part contains invalid characters")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &UserID{raw: id, local: localpart, domain: domain}, nil
}

func historicallyValidCharacters(localpart string) bool {
	for _, r := range localpart {
		if r < 0x21 || r == 0x3A || r > 0x7E {
			return false
		}
	}

	return true
}
