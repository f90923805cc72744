package strata

import "github.com/opencontainers/go-digest"

////////////////////////////////////////////////////////////////////////////////
// Content identity
////////////////////////////////////////////////////////////////////////////////

// ContentDigest returns the lowercase hex SHA-256 digest of content. The hex
// string (no algorithm prefix) is the dedup key everywhere a layer input is
// identified by its bytes.
func ContentDigest(content []byte) string {
	return digest.SHA256.FromBytes(content).Encoded()
}
