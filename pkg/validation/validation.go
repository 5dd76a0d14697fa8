// Package validation checks the identifier formats accepted at the
// gateway boundary. Tokens prove access; these checks keep junk out of
// room registries and metric labels before any room state is touched.
package validation

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxRoomIDLength = 128
	maxUserIDLength = 128

	// MaxUserDataBytes caps peer and room user data blobs.
	MaxUserDataBytes = 4096
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9._~-]+$`)

// ValidateRoomID checks a room identifier.
func ValidateRoomID(roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	if len(roomID) > maxRoomIDLength {
		return fmt.Errorf("room id is too long (max %d characters)", maxRoomIDLength)
	}
	if !idRegex.MatchString(roomID) {
		return fmt.Errorf("room id contains invalid characters (letters, digits, '.', '_', '~', '-' allowed)")
	}
	return nil
}

// ValidateUserID checks a user identifier. Empty is allowed; tokens may
// be minted without one.
func ValidateUserID(userID string) error {
	if userID == "" {
		return nil
	}
	if len(userID) > maxUserIDLength {
		return fmt.Errorf("user id is too long (max %d characters)", maxUserIDLength)
	}
	if !utf8.ValidString(userID) {
		return fmt.Errorf("user id must be valid UTF-8")
	}
	if strings.ContainsAny(userID, "\x00\n\r") {
		return fmt.Errorf("user id contains control characters")
	}
	return nil
}

// ValidateAccessKey checks the shape of an access key without deriving
// a signing key from it.
func ValidateAccessKey(accessKey string) error {
	if accessKey == "" {
		return fmt.Errorf("access key is required")
	}
	raw, err := base64.StdEncoding.DecodeString(accessKey)
	if err != nil {
		return fmt.Errorf("access key is not valid base64")
	}
	if len(raw) != 32 {
		return fmt.Errorf("access key must decode to 32 bytes, got %d", len(raw))
	}
	return nil
}

// ValidateUserData bounds a user data blob.
func ValidateUserData(data []byte) error {
	if len(data) > MaxUserDataBytes {
		return fmt.Errorf("user data exceeds %d bytes", MaxUserDataBytes)
	}
	return nil
}
