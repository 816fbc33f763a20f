package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"
)

// SecureFilename builds a storage name from the upload time, the owner and
// a random suffix. Only the lowercased extension of originalName survives,
// and only if it is alphanumeric.
func SecureFilename(now time.Time, userID int64, originalName string) (string, error) {
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("random suffix: %w", err)
	}
	name := fmt.Sprintf("%s_%d_%s", now.UTC().Format("20060102_150405"), userID, hex.EncodeToString(suffix[:]))
	if ext := Extension(originalName); ext != "" {
		name += "." + ext
	}
	return name, nil
}

// Extension returns the lowercased extension of name without the dot, or
// "" when it is missing or contains anything but ASCII letters and digits.
func Extension(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(path.Base(name)), "."))
	for _, c := range ext {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return ext
}

// UploadPath places filename under a YYYY/MM/DD prefix.
func UploadPath(now time.Time, filename string) string {
	return now.UTC().Format("2006/01/02") + "/" + filename
}

// FileHash returns the hex md5 of data, used to detect duplicate uploads.
func FileHash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
