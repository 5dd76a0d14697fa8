package validation

import (
	"strings"
	"testing"

	"github.com/4Players/odin-go/pkg/token"
)

func TestValidateRoomID(t *testing.T) {
	valid := []string{"lobby", "team-4", "Room_1", "a", "eu.west~2"}
	for _, id := range valid {
		if err := ValidateRoomID(id); err != nil {
			t.Errorf("ValidateRoomID(%q) = %v", id, err)
		}
	}

	invalid := []string{"", "  ", "room with spaces", "room/slash", strings.Repeat("x", 129), "emojié"}
	for _, id := range invalid {
		if err := ValidateRoomID(id); err == nil {
			t.Errorf("ValidateRoomID(%q) accepted", id)
		}
	}
}

func TestValidateUserID(t *testing.T) {
	if err := ValidateUserID(""); err != nil {
		t.Errorf("empty user id should pass: %v", err)
	}
	if err := ValidateUserID("alice@example"); err != nil {
		t.Errorf("ValidateUserID = %v", err)
	}
	if err := ValidateUserID("line\nbreak"); err == nil {
		t.Error("control characters accepted")
	}
	if err := ValidateUserID(strings.Repeat("u", 129)); err == nil {
		t.Error("overlong user id accepted")
	}
}

func TestValidateAccessKey(t *testing.T) {
	key, err := token.GenerateAccessKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := ValidateAccessKey(key); err != nil {
		t.Errorf("generated key rejected: %v", err)
	}

	for _, bad := range []string{"", "not base64!!", "c2hvcnQ="} {
		if err := ValidateAccessKey(bad); err == nil {
			t.Errorf("ValidateAccessKey(%q) accepted", bad)
		}
	}
}

func TestValidateUserData(t *testing.T) {
	if err := ValidateUserData(make([]byte, MaxUserDataBytes)); err != nil {
		t.Errorf("data at limit rejected: %v", err)
	}
	if err := ValidateUserData(make([]byte, MaxUserDataBytes+1)); err == nil {
		t.Error("oversized data accepted")
	}
	if err := ValidateUserData(nil); err != nil {
		t.Errorf("nil data rejected: %v", err)
	}
}
