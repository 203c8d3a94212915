package weightcache

import "github.com/cespare/xxhash/v2"

// newHasher returns the fast, stable, non-cryptographic hash used to
// fingerprint source files and blob ids (SPEC_FULL.md §11.2). xxhash
// is reused from kthena's/tokmesh's dependency closure rather than
// reaching for crypto/sha256 — source files fingerprint fine with a
// fast hash since the id only needs to be stable, not collision-hard
// against an adversary.
func newHasher() *xxhash.Digest {
	return xxhash.New()
}
