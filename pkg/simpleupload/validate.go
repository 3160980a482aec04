package simpleupload

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
)

// Validate checks a descriptor against its accept pattern and size limit.
// It has no side effects.
func Validate(d FileDescriptor) error {
	var missing []string
	if d.Name == "" {
		missing = append(missing, "name")
	}
	if d.Type == "" {
		missing = append(missing, "type")
	}
	if d.Size == 0 {
		missing = append(missing, "size")
	}
	if len(missing) > 0 {
		return NewUploadError(ErrFileValidation, http.StatusBadRequest,
			"Missing required fields: "+strings.Join(missing, ", "))
	}

	accept := d.AcceptPattern()
	if !MatchAccept(accept, d.Name, d.Type) {
		return NewUploadError(ErrFileValidation, http.StatusBadRequest,
			fmt.Sprintf("File type %s is not allowed (accept: %q)", d.Type, accept))
	}

	if limit := d.SizeLimit(); d.Size > limit {
		return NewUploadError(ErrFileValidation, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("File size exceeds the maximum allowed size of %s MB", megabytes(limit)))
	}
	return nil
}

// MatchAccept reports whether a file with the given name and MIME type
// satisfies an accept pattern: a comma separated list of MIME types,
// wildcard subtypes (image/*) and extensions (.png). "*" accepts everything;
// an empty pattern accepts nothing.
func MatchAccept(accept, name, mimeType string) bool {
	if strings.TrimSpace(accept) == "" {
		return false
	}

	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	ext := strings.ToLower(filepath.Ext(name))

	for _, entry := range strings.Split(accept, ",") {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "":
			continue
		case entry == "*" || entry == "*/*":
			return true
		case strings.HasPrefix(entry, "."):
			if ext != "" && ext == entry {
				return true
			}
		case strings.HasSuffix(entry, "/*"):
			if strings.HasPrefix(mimeType, strings.TrimSuffix(entry, "*")) {
				return true
			}
		case entry == mimeType:
			return true
		}
	}
	return false
}

func megabytes(n uint64) string {
	return strconv.FormatFloat(float64(n)/(1024*1024), 'f', -1, 64)
}
