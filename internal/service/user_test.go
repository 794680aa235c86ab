package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"llmchat/internal/models"
)

func TestRegisterVerify_RoundTrip(t *testing.T) {
	ctx := context.Background()
	users := NewUserService(newTestDB(t), testConfig())

	u, err := users.Register(ctx, "  Alice@Example.com ", "secret123", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Email != "alice@example.com" || u.DisplayName != "alice" || !u.Active {
		t.Fatalf("unexpected user %+v", u)
	}
	if u.PasswordHash == "secret123" || !strings.HasPrefix(u.PasswordHash, "$2") {
		t.Fatalf("password not hashed with bcrypt: %q", u.PasswordHash)
	}

	got, err := users.Verify(ctx, "ALICE@example.com", "secret123")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.ID != u.ID || got.LastLoginAt == nil {
		t.Fatalf("Verify returned %+v", got)
	}

	tests := []struct {
		name, email, password string
	}{
		{"wrong password", "alice@example.com", "secret124"},
		{"unknown email", "bob@example.com", "secret123"},
		{"empty password", "alice@example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := users.Verify(ctx, tt.email, tt.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("err=%v want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	ctx := context.Background()
	users := NewUserService(newTestDB(t), testConfig())
	if _, err := users.Register(ctx, "alice@example.com", "secret123", "Alice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := users.Register(ctx, "ALICE@example.com", "another1", "Other"); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("err=%v want ErrDuplicateEmail", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	users := NewUserService(newTestDB(t), testConfig())
	tests := []struct {
		name, email, password, display, field string
	}{
		{"bad email", "not-an-email", "secret123", "", "email"},
		{"short password", "a@example.com", "12345", "", "password"},
		{"long password", "a@example.com", strings.Repeat("x", 73), "", "password"},
		{"long display name", "a@example.com", "secret123", strings.Repeat("名", 65), "display_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := users.Register(context.Background(), tt.email, tt.password, tt.display)
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("err=%v want validation error on %s", err, tt.field)
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatal("validation error must match ErrValidation")
			}
		})
	}
}

func TestVerify_MigratesLegacyHash(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	users := NewUserService(gdb, testConfig())

	sum := sha256.Sum256([]byte("oldpass1"))
	legacy := models.User{Email: "old@example.com", PasswordHash: hex.EncodeToString(sum[:]), DisplayName: "old", Active: true}
	if err := gdb.Create(&legacy).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := users.Verify(ctx, "old@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong legacy password err=%v", err)
	}
	if _, err := users.Verify(ctx, "old@example.com", "oldpass1"); err != nil {
		t.Fatalf("Verify legacy: %v", err)
	}
	stored, err := users.Get(ctx, legacy.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.HasPrefix(stored.PasswordHash, "$2") {
		t.Fatalf("hash not migrated: %q", stored.PasswordHash)
	}
	if _, err := users.Verify(ctx, "old@example.com", "oldpass1"); err != nil {
		t.Fatalf("Verify after migration: %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	users := NewUserService(newTestDB(t), testConfig())
	u, err := users.Register(ctx, "alice@example.com", "secret123", "Alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	name := "  Alice L. "
	got, err := users.UpdateProfile(ctx, u.ID, ProfileUpdate{DisplayName: &name, Preferences: json.RawMessage(`{"theme":"dark"}`)})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if got.DisplayName != "Alice L." {
		t.Fatalf("display name=%q", got.DisplayName)
	}
	var prefs map[string]string
	if err := json.Unmarshal(got.Preferences, &prefs); err != nil || prefs["theme"] != "dark" {
		t.Fatalf("preferences=%s err=%v", got.Preferences, err)
	}

	empty := " "
	if _, err := users.UpdateProfile(ctx, u.ID, ProfileUpdate{DisplayName: &empty}); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty name err=%v", err)
	}
	if _, err := users.UpdateProfile(ctx, u.ID, ProfileUpdate{Preferences: json.RawMessage(`{bad`)}); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad json err=%v", err)
	}
	avatar := " https://cdn.example.com/a.png "
	got, err = users.UpdateProfile(ctx, u.ID, ProfileUpdate{AvatarURL: &avatar})
	if err != nil || got.AvatarURL != "https://cdn.example.com/a.png" || got.DisplayName != "Alice L." {
		t.Fatalf("avatar update: %+v err=%v", got, err)
	}
	for _, bad := range []string{"javascript:alert(1)", "ftp://example.com/a.png", "/relative.png", "https://" + strings.Repeat("a", 520)} {
		if _, err := users.UpdateProfile(ctx, u.ID, ProfileUpdate{AvatarURL: &bad}); !errors.Is(err, ErrValidation) {
			t.Fatalf("avatar %q err=%v", bad, err)
		}
	}
	none := ""
	if got, err = users.UpdateProfile(ctx, u.ID, ProfileUpdate{AvatarURL: &none}); err != nil || got.AvatarURL != "" {
		t.Fatalf("clear avatar: %+v err=%v", got, err)
	}
	if _, err := users.UpdateProfile(ctx, 9999, ProfileUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user err=%v", err)
	}
}

func TestDeactivate_Cascades(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	cfg := testConfig()
	users := NewUserService(gdb, cfg)
	sessions := NewSessionService(gdb, cfg)
	convs := NewConversationStore(gdb)

	alice, _ := users.Register(ctx, "alice@example.com", "secret123", "")
	bob, _ := users.Register(ctx, "bob@example.com", "secret123", "")
	sess, err := sessions.Create(ctx, alice)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
	msg, err := convs.AppendMessage(ctx, "", alice.ID, models.RoleUser, "hello", "phi3:latest")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	bobMsg, _ := convs.AppendMessage(ctx, "", bob.ID, models.RoleUser, "hey", "phi3:latest")

	if err := users.Deactivate(ctx, alice.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, err := users.Verify(ctx, "alice@example.com", "secret123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("login after deactivate err=%v", err)
	}
	if _, err := sessions.Validate(ctx, sess.Token); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("session after deactivate err=%v", err)
	}
	if _, err := convs.GetHistory(ctx, msg.ConversationID, alice.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("history after deactivate err=%v", err)
	}
	if hist, err := convs.GetHistory(ctx, bobMsg.ConversationID, bob.ID); err != nil || len(hist) != 1 {
		t.Fatalf("other user's data touched: %v %d", err, len(hist))
	}
	if err := users.Deactivate(ctx, alice.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Deactivate err=%v", err)
	}
	if _, err := users.Register(ctx, "alice@example.com", "secret123", ""); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("email of deactivated user must stay reserved, err=%v", err)
	}
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	users := NewUserService(gdb, testConfig())
	u, err := users.Register(ctx, "alice@example.com", "secret123", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name         string
		oldPW, newPW string
		want         error
	}{
		{"wrong current password", "nope", "newsecret", ErrValidation},
		{"new too short", "secret123", "abc", ErrValidation},
		{"new too long", "secret123", strings.Repeat("x", 73), ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := users.ChangePassword(ctx, u.ID, tt.oldPW, tt.newPW); !errors.Is(err, tt.want) {
				t.Fatalf("ChangePassword err=%v, want %v", err, tt.want)
			}
		})
	}
	if _, err := users.Verify(ctx, "alice@example.com", "secret123"); err != nil {
		t.Fatalf("failed changes must keep the old password: %v", err)
	}

	if err := users.ChangePassword(ctx, u.ID, "secret123", "newsecret"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := users.Verify(ctx, "alice@example.com", "secret123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := users.Verify(ctx, "alice@example.com", "newsecret"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
	if err := users.ChangePassword(ctx, 9999, "a", "newsecret"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user err=%v", err)
	}

	sum := sha256.Sum256([]byte("oldpass1"))
	legacy := models.User{Email: "old@example.com", PasswordHash: hex.EncodeToString(sum[:]), DisplayName: "old", Active: true}
	if err := gdb.Create(&legacy).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := users.ChangePassword(ctx, legacy.ID, "oldpass1", "brandnew1"); err != nil {
		t.Fatalf("ChangePassword from legacy hash: %v", err)
	}
	if _, err := users.Verify(ctx, "old@example.com", "brandnew1"); err != nil {
		t.Fatalf("Verify after legacy change: %v", err)
	}
}
