package validation

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// MinNameLength is the minimum length for a snapshot name
	MinNameLength = 1
	// MaxNameLength is the maximum length for a snapshot name
	MaxNameLength = 80
	// MaxGuestPathLength is the longest guest path accepted
	MaxGuestPathLength = 4096
)

// snapshotNamePattern matches names that are safe as libvirt snapshot names
// and as file names on the hypervisor datastore: an alphanumeric start,
// followed by alphanumeric, underscore, dot, hyphen or space.
var snapshotNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_. -]*$`)

// ValidateSnapshotName validates that a snapshot name meets all requirements:
// - Starts with an alphanumeric character
// - Contains only alphanumeric, underscore, dot, hyphen or space
// - Between 1 and 80 characters, without trailing space
func ValidateSnapshotName(name string) error {
	if len(name) < MinNameLength {
		return fmt.Errorf("snapshot name must not be empty")
	}

	if len(name) > MaxNameLength {
		return fmt.Errorf("snapshot name must be at most %d characters", MaxNameLength)
	}

	if !snapshotNamePattern.MatchString(name) || strings.HasSuffix(name, " ") {
		return fmt.Errorf("snapshot name must start with alphanumeric and contain only alphanumeric, underscore, dot, hyphen, or space characters")
	}

	return nil
}

// ValidateGuestPath validates a path inside the guest. Both POSIX ("/tmp/x")
// and Windows ("C:\\temp\\x") absolute paths are accepted.
func ValidateGuestPath(path string) error {
	if path == "" {
		return fmt.Errorf("guest path must not be empty")
	}

	if len(path) > MaxGuestPathLength {
		return fmt.Errorf("guest path must be at most %d characters", MaxGuestPathLength)
	}

	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("guest path must not contain NUL bytes")
	}

	if !strings.HasPrefix(path, "/") && !isWindowsAbs(path) {
		return fmt.Errorf("guest path must be absolute, got %q", path)
	}

	return nil
}

func isWindowsAbs(path string) bool {
	if len(path) < 3 || path[1] != ':' || (path[2] != '\\' && path[2] != '/') {
		return false
	}
	c := path[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
