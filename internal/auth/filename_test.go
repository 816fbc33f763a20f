package auth

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestSecureFilename(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		original string
		pattern  string
	}{
		{"photo.JPG", `^20240102_030405_7_[0-9a-f]{16}\.jpg$`},
		{"../../etc/passwd", `^20240102_030405_7_[0-9a-f]{16}$`},
		{"..\\..\\evil.png", `^20240102_030405_7_[0-9a-f]{16}\.png$`},
		{"shell.p/hp", `^20240102_030405_7_[0-9a-f]{16}$`},
		{"noext", `^20240102_030405_7_[0-9a-f]{16}$`},
		{"weird.j pg", `^20240102_030405_7_[0-9a-f]{16}$`},
	}
	for _, tt := range tests {
		got, err := SecureFilename(now, 7, tt.original)
		if err != nil {
			t.Fatalf("SecureFilename(%q): %v", tt.original, err)
		}
		if !regexp.MustCompile(tt.pattern).MatchString(got) {
			t.Errorf("SecureFilename(%q) = %q, want match %s", tt.original, got, tt.pattern)
		}
		if strings.ContainsAny(got, "/\\") {
			t.Errorf("SecureFilename(%q) = %q contains a separator", tt.original, got)
		}
	}

	a, _ := SecureFilename(now, 7, "a.jpg")
	b, _ := SecureFilename(now, 7, "a.jpg")
	if a == b {
		t.Errorf("same-second names collide: %q", a)
	}
}

func TestUploadPath(t *testing.T) {
	now := time.Date(2024, 11, 5, 23, 0, 0, 0, time.UTC)
	if got := UploadPath(now, "x.png"); got != "2024/11/05/x.png" {
		t.Errorf("UploadPath = %q", got)
	}
}

func TestFileHash(t *testing.T) {
	if got := FileHash([]byte("hello")); got != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("FileHash = %q", got)
	}
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "s3cret") {
		t.Error("correct password rejected")
	}
	if CheckPassword(hash, "wrong") {
		t.Error("wrong password accepted")
	}
}
