package registry

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"
)

// DeviceClaims are carried by signed device tokens
type DeviceClaims struct {
	DeviceID uint `json:"device_id"`
	jwt.RegisteredClaims
}

var errInvalidToken = errors.New("invalid device token")

// HashCredential returns the hex BLAKE2b-256 digest stored for opaque device tokens
func HashCredential(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IssueDeviceToken signs a token bound to deviceID. A zero ttl issues a token without expiry.
func IssueDeviceToken(secret []byte, deviceID uint, ttl time.Duration, now time.Time) (string, error) {
	claims := DeviceClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatUint(uint64(deviceID), 10),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign device token: %w", err)
	}
	return signed, nil
}

// looksLikeJWT reports whether token has the three dot-separated segments of a JWS
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// parseDeviceToken verifies a signed device token and returns its device id
func parseDeviceToken(secret []byte, token string, now time.Time) (uint, error) {
	claims := &DeviceClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil || !parsed.Valid {
		return 0, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	if claims.DeviceID == 0 {
		return 0, fmt.Errorf("%w: missing device_id claim", errInvalidToken)
	}
	return claims.DeviceID, nil
}
