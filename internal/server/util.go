package server

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
)

// maxWorkerName bounds the ?worker= query value.
const maxWorkerName = 128

// sanitizeBase normalises a mount point to "" or "/a/b" (leading slash, no trailing
// slash, no empty segments).
func sanitizeBase(bp string) string {
	parts := strings.FieldsFunc(strings.TrimSpace(bp), func(r rune) bool { return r == '/' })
	if len(parts) == 0 {
		return ""
	}
	return "/" + strings.Join(parts, "/")
}

// isSafeName validates worker names taken from query strings:
// A-Z a-z 0-9 . _ - only, no "..", at most maxWorkerName bytes.
func isSafeName(s string) bool {
	if s == "" || len(s) > maxWorkerName || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
