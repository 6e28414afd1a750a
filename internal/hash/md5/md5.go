// Package md5 derives frontier url hashes.
package md5

import (
	"crypto/md5" //nolint:gosec // url_hash is an identity key, not a security boundary
	"encoding/hex"
)

// Hasher implements frontier.Hasher with a hex MD5 digest of the URL string.
type Hasher struct{}

// New returns an MD5 url hasher.
func New() *Hasher {
	return &Hasher{}
}

// HashURL hashes the URL exactly as given. Callers that want two spellings of
// a URL to collide must canonicalize before hashing.
func (h *Hasher) HashURL(rawURL string) string {
	sum := md5.Sum([]byte(rawURL)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}
