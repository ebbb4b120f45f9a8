// Package filename derives safe output file names.
package filename

import (
	"errors"
	"strings"
	"unicode"
)

const (
	fallback  = "download"
	maxLength = 255
)

var reserved = []string{"..", "/", `\`, ":", "*", "?", `"`, "<", ">", "|"}

// ErrReserved is returned for names with path separators or reserved characters.
var ErrReserved = errors.New("filename contains path separators or reserved characters")

// Validate rejects names that could escape the download directory or are illegal on common filesystems.
func Validate(name string) error {
	for _, r := range reserved {
		if strings.Contains(name, r) {
			return ErrReserved
		}
	}

	if len(name) > maxLength {
		return errors.New("filename too long")
	}

	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return ErrReserved
	}

	return nil
}

// Sanitize keeps letters, digits, spaces, '-' and '_' and truncates to limit runes.
func Sanitize(title string, limit int) string {
	var b strings.Builder

	n := 0

	for _, r := range title {
		if limit > 0 && n >= limit {
			break
		}

		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
			n++
		}
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		return fallback
	}

	return out
}

// Build returns "<base>.<ext>" where base is custom when set, otherwise the sanitized title.
func Build(title, custom, ext string, limit int) string {
	ext = strings.TrimPrefix(ext, ".")

	base := strings.TrimSpace(custom)
	if base != "" {
		base = strings.TrimSuffix(base, "."+ext)
	} else {
		base = Sanitize(title, limit)
	}

	if ext == "" {
		return base
	}

	return base + "." + ext
}
