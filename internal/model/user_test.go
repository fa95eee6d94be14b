package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"admin", RoleAdmin, false},
		{" Teacher ", RoleTeacher, false},
		{"LEARNER", RoleLearner, false},
		{"guru", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseRole(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestUser_DisplayName(t *testing.T) {
	u := &User{FullName: "Jane Doe"}
	if got := u.DisplayName(); got != "Jane Doe" {
		t.Errorf("DisplayName() = %q, want full name", got)
	}
	u.SpiritualName = "Shanti"
	if got := u.DisplayName(); got != "Shanti" {
		t.Errorf("DisplayName() = %q, want spiritual name", got)
	}
}

func TestUser_HasCredential(t *testing.T) {
	tests := []struct {
		name string
		user User
		want bool
	}{
		{"パスワードのみ", User{PasswordHash: "$2a$"}, true},
		{"Googleのみ", User{GoogleID: "g-1"}, true},
		{"両方", User{PasswordHash: "$2a$", GoogleID: "g-1"}, true},
		{"どちらもなし", User{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.user.HasCredential(); got != tt.want {
				t.Errorf("HasCredential() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUser_Public_ScrubsSecrets(t *testing.T) {
	expire := time.Now().Add(time.Minute)
	u := &User{
		ID:                  "u-1",
		PasswordHash:        "$2a$12$hash",
		ResetPasswordToken:  "deadbeef",
		ResetPasswordExpire: &expire,
	}

	pub := u.Public()
	if pub.PasswordHash != "" || pub.ResetPasswordToken != "" || pub.ResetPasswordExpire != nil {
		t.Errorf("Public() leaked secrets: %+v", pub)
	}
	if u.PasswordHash == "" || u.ResetPasswordToken == "" {
		t.Error("Public() must not modify the original")
	}
	if pub.ID != "u-1" {
		t.Errorf("ID = %q, want u-1", pub.ID)
	}
}

func TestUser_ToProfile_JSON(t *testing.T) {
	joined := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	u := &User{
		ID:           "u-1",
		Email:        "seeker@example.com",
		PasswordHash: "$2a$12$hash",
		FullName:     "Seeker",
		Role:         RoleLearner,
		IsActive:     true,
		CreatedAt:    joined,
	}

	data, err := json.Marshal(u.ToProfile())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if _, ok := m["passwordHash"]; ok {
		t.Error("profile must not expose the password hash")
	}
	if m["avatar"] != nil {
		t.Errorf("avatar = %v, want null", m["avatar"])
	}
	if m["displayName"] != "Seeker" {
		t.Errorf("displayName = %v", m["displayName"])
	}
	if m["joinedAt"] != "2026-04-01T09:00:00Z" {
		t.Errorf("joinedAt = %v", m["joinedAt"])
	}
	if _, ok := m["spiritualName"]; ok {
		t.Error("empty spiritualName should be omitted")
	}

	u.Avatar = "https://example.com/a.png"
	if p := u.ToProfile(); p.Avatar == nil || *p.Avatar != u.Avatar {
		t.Errorf("Avatar = %v, want %q", p.Avatar, u.Avatar)
	}
}
