package crypto

import "encoding/base64"

// RandToken returns n random bytes encoded as unpadded base64url, suitable for opaque bearer material.
func RandToken(n int) (string, error) {
	b, err := RandBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
