package profile

import (
	"fmt"
	"os"
	"regexp"
)

// DefaultName is used when neither the flag nor the environment names a profile.
const DefaultName = "default"

// EnvVar overrides the profile name when set.
const EnvVar = "CHATSYNC_PROFILE"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. CHATSYNC_PROFILE environment variable
// 3. "default"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(EnvVar); env != "" {
		return env
	}
	return DefaultName
}

// ValidateName checks that name conforms to profile naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}
