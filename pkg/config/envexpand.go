package config

import "os"

// ExpandEnv expands environment variables in YAML content using Go's standard
// library. Supports both ${VAR} and $VAR syntax (standard shell-style).
//
// Missing variables expand to empty string and are not reported here;
// ValidateAll checks numeric settings only, so a string field left empty by
// a missing variable is not caught.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
