package auth

import (
	"errors"
	"testing"
	"time"
)

func TestShareLinkScopedToFileAndTime(t *testing.T) {
	tokens, clk := newTestTokens()
	ac := NewAccessControl(tokens, true)

	link, _, err := tokens.GenerateShareLink(42, 1, 1)
	if err != nil {
		t.Fatalf("GenerateShareLink: %v", err)
	}
	file42 := FileInfo{ID: 42, OwnerID: 1, AccessToken: link}
	file43 := FileInfo{ID: 43, OwnerID: 1, AccessToken: "something-else"}
	anon := Requester{Token: link}

	if d := ac.CheckPermission(file42, anon); !d.Allowed || d.Reason != ReasonShareLink {
		t.Errorf("file 42: got %+v, want allow via share link", d)
	}
	if d := ac.CheckPermission(file43, anon); d.Allowed {
		t.Errorf("file 43: got %+v, want deny", d)
	}

	clk.Advance(time.Hour + time.Second)
	if d := ac.CheckPermission(file42, anon); d.Allowed {
		t.Errorf("after expiry: got %+v, want deny", d)
	}
}

func TestCheckPermissionRules(t *testing.T) {
	tokens, _ := newTestTokens()
	ac := NewAccessControl(tokens, true)

	link, _, _ := tokens.GenerateShareLink(10, 1, 24)
	fileAccess, _, _ := tokens.CreateFileAccessToken(10, 5, time.Hour)
	otherFileAccess, _, _ := tokens.CreateFileAccessToken(11, 5, time.Hour)
	bearer, _, _ := tokens.CreateBearerToken(5, "bob", time.Hour)
	past := epoch.Add(-time.Minute)
	future := epoch.Add(time.Hour)

	tests := []struct {
		name   string
		file   FileInfo
		req    Requester
		allow  bool
		reason string
	}{
		{"owner", FileInfo{ID: 10, OwnerID: 1}, Requester{UserID: 1}, true, ReasonOwner},
		{"deleted denies owner", FileInfo{ID: 10, OwnerID: 1, Deleted: true}, Requester{UserID: 1}, false, ReasonDeleted},
		{"deleted denies share link", FileInfo{ID: 10, OwnerID: 1, Deleted: true, AccessToken: link}, Requester{Token: link}, false, ReasonDeleted},
		{"expired denies owner", FileInfo{ID: 10, OwnerID: 1, ExpiresAt: &past}, Requester{UserID: 1}, false, ReasonExpired},
		{"future expiry allows owner", FileInfo{ID: 10, OwnerID: 1, ExpiresAt: &future}, Requester{UserID: 1}, true, ReasonOwner},
		{"stranger", FileInfo{ID: 10, OwnerID: 1}, Requester{UserID: 2}, false, ReasonNoGrant},
		{"anonymous", FileInfo{ID: 10, OwnerID: 1}, Requester{}, false, ReasonNoGrant},
		{"file access token", FileInfo{ID: 10, OwnerID: 1}, Requester{Token: fileAccess}, true, ReasonFileAccess},
		{"file access token for other file", FileInfo{ID: 10, OwnerID: 1}, Requester{Token: otherFileAccess}, false, ReasonNoGrant},
		{"share link not stored", FileInfo{ID: 10, OwnerID: 1}, Requester{Token: link}, false, ReasonNoGrant},
		{"rotated share link", FileInfo{ID: 10, OwnerID: 1, AccessToken: "rotated"}, Requester{Token: link}, false, ReasonNoGrant},
		{"bearer stored as access token", FileInfo{ID: 10, OwnerID: 1, AccessToken: bearer}, Requester{Token: bearer}, false, ReasonNoGrant},
		{"bearer is not a file token", FileInfo{ID: 10, OwnerID: 1}, Requester{Token: bearer}, false, ReasonNoGrant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ac.CheckPermission(tt.file, tt.req)
			if d.Allowed != tt.allow || d.Reason != tt.reason {
				t.Errorf("got %+v, want allowed=%v reason=%s", d, tt.allow, tt.reason)
			}
		})
	}
}

func TestAuthDisabledAllowsEverything(t *testing.T) {
	tokens, _ := newTestTokens()
	ac := NewAccessControl(tokens, false)
	d := ac.CheckPermission(FileInfo{ID: 1, OwnerID: 1, Deleted: true}, Requester{})
	if !d.Allowed || d.Reason != ReasonAuthDisabled {
		t.Errorf("got %+v, want allow", d)
	}
}

func TestAuthorizeWrapsPermissionDenied(t *testing.T) {
	tokens, _ := newTestTokens()
	ac := NewAccessControl(tokens, true)
	err := ac.Authorize(FileInfo{ID: 1, OwnerID: 1}, Requester{UserID: 2})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("got %v, want ErrPermissionDenied", err)
	}
	if err := ac.Authorize(FileInfo{ID: 1, OwnerID: 1}, Requester{UserID: 1}); err != nil {
		t.Fatalf("owner: %v", err)
	}
}
