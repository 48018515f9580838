package config

import "fmt"

// CurrentVersion is the configuration format this build reads.
const CurrentVersion = 1

// VersionError reports a config file written for another format version.
type VersionError struct {
	Version int
}

func (e *VersionError) Error() string {
	if e.Version > CurrentVersion {
		return fmt.Sprintf("config version %d is newer than this build (supports %d); upgrade parley", e.Version, CurrentVersion)
	}
	return fmt.Sprintf("config version %d is not supported; set version: %d", e.Version, CurrentVersion)
}

// ValidateVersion rejects any version other than CurrentVersion.
func ValidateVersion(version int) error {
	if version != CurrentVersion {
		return &VersionError{Version: version}
	}
	return nil
}
