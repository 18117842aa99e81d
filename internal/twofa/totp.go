package twofa

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

const (
	totpPeriod = 30 * time.Second
	totpDigits = 6
	// one period of clock skew tolerated in each direction
	totpSkew = 1
)

// totpCode computes the RFC 6238 code for the base32 secret at the given counter
func totpCode(secret string, counter uint64) (string, error) {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(
		strings.ToUpper(strings.ReplaceAll(secret, " ", "")))
	if err != nil {
		return "", fmt.Errorf("decode totp secret: %w", err)
	}

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	// dynamic truncation per RFC 4226
	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	return fmt.Sprintf("%0*d", totpDigits, code%1000000), nil
}

// totpMatches checks the code against the current counter window
func totpMatches(secret, code string, now time.Time) bool {
	counter := uint64(now.Unix()) / uint64(totpPeriod.Seconds())
	for delta := -totpSkew; delta <= totpSkew; delta++ {
		c := counter
		if delta < 0 {
			if uint64(-delta) > c {
				continue
			}
			c -= uint64(-delta)
		} else {
			c += uint64(delta)
		}
		expected, err := totpCode(secret, c)
		if err != nil {
			return false
		}
		if hmac.Equal([]byte(expected), []byte(code)) {
			return true
		}
	}
	return false
}
