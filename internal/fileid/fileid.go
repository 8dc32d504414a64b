// Package fileid derives stable record IDs for files ingested from watched directories.
package fileid

import (
	"path/filepath"

	"github.com/google/uuid"
)

var namespace = uuid.MustParse("8f6d1c52-7a0e-4c5b-9d7e-2f4b1a9c3e60")

// RecordID returns a stable record ID for the file at path within scope.
// The same scope and cleaned path always yield the same ID; the same file watched for two
// scopes yields two IDs.
func RecordID(scopeID, path string) string {
	normalized := filepath.Clean(path)
	return uuid.NewSHA1(namespace, []byte(scopeID+"\x00"+normalized)).String()
}
