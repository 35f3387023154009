package keys

import "crypto/rand"

const randomStringAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandomString returns a cryptographically random alphanumeric string of the
// given length, built by rejection sampling so every character of the
// alphabet is equally likely regardless of 256 not dividing evenly by its
// size.
func RandomString(n int) string {
	const maxByte = 256 - (256 % len(randomStringAlphabet))
	result := make([]byte, 0, n)
	buf := make([]byte, n+n/4+8)
	for len(result) < n {
		if _, err := rand.Read(buf); err != nil {
			panic(err)
		}
		for _, b := range buf {
			if len(result) == n {
				break
			}
			if int(b) >= maxByte {
				continue
			}
			result = append(result, randomStringAlphabet[int(b)%len(randomStringAlphabet)])
		}
	}
	return string(result)
}
