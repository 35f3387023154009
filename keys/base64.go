package keys

import (
	"encoding/base64"

	"github.com/matrixcore/hscore/spec"
)

// Base64URLSafe encodes bytes the way Matrix encodes signatures and keys:
// unpadded, standard alphabet by default.
func Base64URLSafe(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// Base64URLSafeNoPad encodes bytes with the unpadded URL-safe alphabet, the
// form used for token hashes and other values that end up in URLs or
// filenames where '+' and '/' are awkward.
func Base64URLSafeNoPad(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64 decodes a signature or key, tolerating both the standard and
// URL-safe alphabets since servers in the wild emit both. The detection
// itself lives on spec.Base64Bytes so there is one place that decides which
// alphabet a given string was encoded with.
func DecodeBase64(s string) ([]byte, error) {
	var b spec.Base64Bytes
	if err := b.Decode(s); err != nil {
		return nil, err
	}
	return b, nil
}
