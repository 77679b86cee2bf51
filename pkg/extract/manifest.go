package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/Masterminds/semver/v3"
)

const maxNameLength = 214

// Manifest is a decoded package manifest. Raw keeps every field verbatim.
type Manifest struct {
	Name    string
	Version string
	Raw     json.RawMessage
}

// skipError marks a manifest that is not publishable.
type skipError struct {
	reason string
}

func (e *skipError) Error() string {
	return e.reason
}

func skipf(format string, args ...interface{}) error {
	return &skipError{reason: fmt.Sprintf(format, args...)}
}

// ParseManifest decodes and validates manifest content. A returned error is
// always a skip: the content is not a publishable package version.
func ParseManifest(content []byte, scope string) (Manifest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(content, &fields); err != nil {
		return Manifest{}, skipf("manifest is not a JSON object: %v", err)
	}

	var version string
	if raw, ok := fields["version"]; !ok || json.Unmarshal(raw, &version) != nil {
		return Manifest{}, skipf("version missing or not a string")
	}
	version, ok := cleanVersion(version)
	if !ok {
		return Manifest{}, skipf("version %q is not a valid semantic version", version)
	}

	var name string
	if raw, ok := fields["name"]; !ok || json.Unmarshal(raw, &name) != nil {
		return Manifest{}, skipf("name missing or not a string")
	}
	if name == "" {
		return Manifest{}, skipf("name is empty")
	}
	if len(name) > maxNameLength || !validName(name) {
		return Manifest{}, skipf("name %q is not a valid package name", name)
	}
	if scope != "" && !InScope(name, scope) {
		return Manifest{}, skipf("name %q is outside scope %s", name, scope)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, content); err != nil {
		return Manifest{}, skipf("manifest compaction failed: %v", err)
	}
	return Manifest{Name: name, Version: version, Raw: compact.Bytes()}, nil
}

// cleanVersion drops one leading "v" or "=" and requires a full
// major.minor.patch version, so "v1.0.0" is stored as "1.0.0".
func cleanVersion(version string) (string, bool) {
	cleaned := strings.TrimSpace(version)
	if strings.HasPrefix(cleaned, "v") || strings.HasPrefix(cleaned, "=") {
		cleaned = cleaned[1:]
	}
	if _, err := semver.StrictNewVersion(cleaned); err != nil {
		return version, false
	}
	return cleaned, true
}

// validName accepts "name" or "@scope/name" whose segments are usable as
// path components. Case is not restricted.
func validName(name string) bool {
	for _, r := range name {
		if r == '\\' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	segments := []string{name}
	if strings.HasPrefix(name, "@") {
		scope, rest, ok := strings.Cut(name[1:], "/")
		if !ok {
			return false
		}
		segments = []string{scope, rest}
	}
	for _, segment := range segments {
		if segment == "" || segment == "." || segment == ".." || strings.Contains(segment, "/") {
			return false
		}
	}
	return true
}

// InScope reports whether name belongs to scope ("@acme" or "acme").
func InScope(name, scope string) bool {
	scope = NormalizeScope(scope)
	if scope == "" {
		return true
	}
	return strings.HasPrefix(name, scope+"/")
}

// NormalizeScope trims slashes and ensures a leading "@".
func NormalizeScope(scope string) string {
	scope = strings.Trim(strings.TrimSpace(scope), "/")
	if scope == "" {
		return ""
	}
	if !strings.HasPrefix(scope, "@") {
		scope = "@" + scope
	}
	return scope
}
