package domain

import (
	"mime"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const defaultContentType = "application/octet-stream"

// SanitizeFilename strips path components and NUL bytes and normalizes the
// name to NFC. Returns "unnamed" for empty or special directory references.
func SanitizeFilename(filename string) string {
	filename = strings.ReplaceAll(filename, "\\", "/")
	filename = path.Base(filename)
	filename = strings.ReplaceAll(filename, "\x00", "")
	filename = strings.TrimSpace(norm.NFC.String(filename))

	if filename == "." || filename == ".." || filename == "" || filename == "/" {
		return "unnamed"
	}
	return filename
}

// Extension returns the lowercased extension of filename including the dot.
func Extension(filename string) string {
	return strings.ToLower(path.Ext(filename))
}

// NormalizeContentType lowercases a declared content type and strips its
// parameters. When nothing usable was declared the extension of filename is
// consulted, falling back to application/octet-stream.
func NormalizeContentType(declared, filename string) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "" {
			return strings.ToLower(mt)
		}
	}
	if ext := Extension(filename); ext != "" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			if mt, _, err := mime.ParseMediaType(byExt); err == nil {
				return mt
			}
		}
	}
	return defaultContentType
}
