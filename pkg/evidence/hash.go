package evidence

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashArtifacts computes the sha256 of the concatenated artifact contents,
// hex-encoded.
func hashArtifacts(artifacts []Artifact) string {
	h := sha256.New()
	for _, a := range artifacts {
		h.Write([]byte(a.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// hashBytes computes the sha256 of raw bytes, hex-encoded — used for the
// evidence_index.sha256 sidecar, which covers only the index file's bytes.
func hashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
