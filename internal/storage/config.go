package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/wpic/wpic/internal/storage/local"
	s3backend "github.com/wpic/wpic/internal/storage/s3"
	"github.com/wpic/wpic/internal/storage/webdav"
)

// BackendType identifies a storage backend variant.
type BackendType string

const (
	TypeLocal  BackendType = "local"
	TypeWebDAV BackendType = "webdav"
	TypeS3     BackendType = "s3"
)

// ParseType converts a stored type string into a BackendType.
func ParseType(s string) (BackendType, error) {
	switch t := BackendType(s); t {
	case TypeLocal, TypeWebDAV, TypeS3:
		return t, nil
	default:
		return "", &ConfigError{Backend: s, Reason: "unknown backend type"}
	}
}

// Config is a tagged union over the backend variants: the pointer
// matching Type is set and the others are nil.
type Config struct {
	Type   BackendType
	Local  *local.Config
	WebDAV *webdav.Config
	S3     *s3backend.Config
}

// Validate checks the active variant's required fields.
func (c Config) Validate() error {
	switch c.Type {
	case TypeLocal:
		if c.Local == nil {
			return &ConfigError{Backend: string(c.Type), Reason: "missing local settings"}
		}
		return c.Local.Validate()
	case TypeWebDAV:
		if c.WebDAV == nil {
			return &ConfigError{Backend: string(c.Type), Reason: "missing webdav settings"}
		}
		return c.WebDAV.Validate()
	case TypeS3:
		if c.S3 == nil {
			return &ConfigError{Backend: string(c.Type), Reason: "missing s3 settings"}
		}
		return c.S3.Validate()
	default:
		return &ConfigError{Backend: string(c.Type), Reason: "unknown backend type"}
	}
}

// Defaults are the process-wide settings each user's own configuration
// is merged over. A non-empty user value always wins, within two limits:
// a user's local base_path is a subdirectory of their own tree under
// Local.BasePath, and a user-supplied WebDAV URL or S3 endpoint must name
// a host in AllowedHosts.
type Defaults struct {
	Type         BackendType
	Local        local.Config
	WebDAV       webdav.Config
	S3           s3backend.Config
	AllowedHosts []string
}

// Resolve decodes userID's stored config blob for backendType, fills
// empty fields from the defaults and validates the result. An empty
// backendType selects the default type. Local storage always resolves
// to <Local.BasePath>/user_<id>[/<base_path>].
func (d Defaults) Resolve(userID int64, backendType BackendType, userConfig json.RawMessage) (Config, error) {
	if backendType == "" {
		backendType = d.Type
	}
	if _, err := ParseType(string(backendType)); err != nil {
		return Config{}, err
	}

	cfg := Config{Type: backendType}
	switch backendType {
	case TypeLocal:
		var u local.Config
		if err := decode(backendType, userConfig, &u); err != nil {
			return Config{}, err
		}
		base, err := d.tenantDir(userID, u.BasePath)
		if err != nil {
			return Config{}, err
		}
		cfg.Local = &local.Config{BasePath: base}
	case TypeWebDAV:
		var u webdav.Config
		if err := decode(backendType, userConfig, &u); err != nil {
			return Config{}, err
		}
		if err := d.checkHost(backendType, "url", u.URL, d.WebDAV.URL); err != nil {
			return Config{}, err
		}
		merged := webdav.Config{
			URL:      firstSet(u.URL, d.WebDAV.URL),
			Username: firstSet(u.Username, d.WebDAV.Username),
			Password: firstSet(u.Password, d.WebDAV.Password),
			Timeout:  u.Timeout,
		}
		if merged.Timeout <= 0 {
			merged.Timeout = d.WebDAV.Timeout
		}
		cfg.WebDAV = &merged
	case TypeS3:
		var u s3backend.Config
		if err := decode(backendType, userConfig, &u); err != nil {
			return Config{}, err
		}
		if err := d.checkHost(backendType, "endpoint", u.Endpoint, d.S3.Endpoint); err != nil {
			return Config{}, err
		}
		merged := s3backend.Config{
			AccessKey: firstSet(u.AccessKey, d.S3.AccessKey),
			SecretKey: firstSet(u.SecretKey, d.S3.SecretKey),
			Bucket:    firstSet(u.Bucket, d.S3.Bucket),
			Region:    firstSet(u.Region, d.S3.Region, s3backend.DefaultRegion),
			Endpoint:  firstSet(u.Endpoint, d.S3.Endpoint),
			Timeout:   u.Timeout,
		}
		if merged.Timeout <= 0 {
			merged.Timeout = d.S3.Timeout
		}
		cfg.S3 = &merged
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// tenantDir confines a user's local storage to their own subtree of the
// configured root. sub must be relative and must not climb out with "..".
func (d Defaults) tenantDir(userID int64, sub string) (string, error) {
	if d.Local.BasePath == "" {
		// Validate reports the missing field.
		return "", nil
	}
	dir := filepath.Join(d.Local.BasePath, fmt.Sprintf("user_%d", userID))
	if sub == "" {
		return dir, nil
	}
	if !filepath.IsLocal(sub) {
		return "", &ConfigError{
			Backend: string(TypeLocal),
			Reason:  fmt.Sprintf("base_path %q must be a relative path inside your storage area", sub),
		}
	}
	return filepath.Join(dir, sub), nil
}

// checkHost rejects a user-supplied endpoint whose host is neither the
// default endpoint's nor listed in AllowedHosts. An empty value selects
// the default endpoint.
func (d Defaults) checkHost(t BackendType, field, raw, fallback string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &ConfigError{Backend: string(t), Reason: fmt.Sprintf("%s must be an http(s) URL", field)}
	}
	host := strings.ToLower(u.Hostname())
	allowed := d.AllowedHosts
	if def, err := url.Parse(fallback); err == nil && def.Host != "" {
		allowed = append([]string{def.Hostname()}, allowed...)
	}
	for _, h := range allowed {
		if strings.EqualFold(h, host) {
			return nil
		}
	}
	return &ConfigError{Backend: string(t), Reason: fmt.Sprintf("%s host %q is not allowed", field, host)}
}

func decode(t BackendType, raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ConfigError{Backend: string(t), Reason: fmt.Sprintf("parse config: %v", err)}
	}
	return nil
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// TypeInfo describes the config fields a backend type accepts.
type TypeInfo struct {
	Type     BackendType `json:"type"`
	Name     string      `json:"name"`
	Required []string    `json:"required"`
	Optional []string    `json:"optional"`
}

// SupportedTypes lists every backend type with its config fields.
func SupportedTypes() []TypeInfo {
	return []TypeInfo{
		{Type: TypeLocal, Name: "Local filesystem", Required: []string{}, Optional: []string{"base_path"}},
		{Type: TypeWebDAV, Name: "WebDAV", Required: []string{"url", "username", "password"}, Optional: []string{"timeout"}},
		{Type: TypeS3, Name: "S3-compatible object storage", Required: []string{"access_key", "secret_key", "bucket"}, Optional: []string{"region", "endpoint", "timeout"}},
	}
}

