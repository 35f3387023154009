package spec

import (
	"fmt"
	"strings"
)

const localDomainSeparator = ':'

// parseSigiledID splits a Matrix identifier of the form SIGIL LOCALPART ":"
// DOMAIN into its localpart and domain. It checks the leading sigil, the
// overall length bounds (maxLength of 0 means no upper bound), and that the
// domain is a valid server name, then hands the localpart to validateLocal
// for any further identifier-specific restrictions.
func parseSigiledID(id string, sigil byte, minLength, maxLength int, kind string, validateLocal func(string) error) (localpart, domain string, err error) {
	idLength := len(id)
	if idLength < minLength || (maxLength > 0 && idLength > maxLength) {
		if maxLength > 0 {
			return "", "", fmt.Errorf("length %d is not within the bounds %d-%d", idLength, minLength, maxLength)
		}
		return "", "", fmt.Errorf("length %d is too short to be valid", idLength)
	}
	if id[0] != sigil {
		return "", "", fmt.Errorf("first character is not '%c'", sigil)
	}

	localpart, domain, found := strings.Cut(id[1:], string(localDomainSeparator))
	if !found {
		return "", "", fmt.Errorf("at least one '%c' is expected in the %s id", localDomainSeparator, kind)
	}
	if _, _, ok := ParseAndValidateServerName(ServerName(domain)); !ok {
		return "", "", fmt.Errorf("domain is invalid")
	}
	if validateLocal != nil {
		if err := validateLocal(localpart); err != nil {
			return "", "", err
		}
	}

	return localpart, domain, nil
}
