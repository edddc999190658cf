// Package version holds the compiled-in CLI version and the on-disk
// version check the daemon uses to detect it has been upgraded under it
// (§4.7 step 8). Current overridable via -ldflags "-X ...Current=vX.Y.Z"
// at release build time.
package version

import (
	"os"
	"strings"
)

// Current is the version baked into this binary at build time.
var Current = "0.0.0-dev"

// ReadInstalled reads the version recorded in the VERSION file at path —
// the on-disk marker a newer `happy` install overwrites, analogous to the
// original implementation's package.json version field.
func ReadInstalled(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
