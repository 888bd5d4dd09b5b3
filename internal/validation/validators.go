// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package validation

import (
	"regexp"
	"strings"

	"zmed.io/zmonitor/internal/errors"
)

var (
	// MRNs are externally assigned and opaque, but we bound the charset so a
	// malformed identifier can never smuggle control characters into the
	// journal or telemetry.
	mrnRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

	// Device identifiers and user identifiers share the same shape.
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

	// Characters that should never appear in any identifier.
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r", "\x00"}
)

// ValidateMRN validates a patient medical record number.
func ValidateMRN(mrn string) error {
	if mrn == "" {
		return errors.New(errors.KindValidation, "MRN cannot be empty")
	}
	if !mrnRegex.MatchString(mrn) {
		return errors.Errorf(errors.KindValidation, "invalid MRN format: %s", mrn)
	}
	for _, ch := range dangerousChars {
		if strings.Contains(mrn, ch) {
			return errors.Errorf(errors.KindValidation, "MRN contains forbidden character %q", ch)
		}
	}
	return nil
}

// ValidateDeviceID validates a monitor device identifier.
func ValidateDeviceID(id string) error {
	if id == "" {
		return errors.New(errors.KindValidation, "device id cannot be empty")
	}
	if !identifierRegex.MatchString(id) {
		return errors.Errorf(errors.KindValidation, "invalid device id: %s", id)
	}
	return nil
}

// ValidateUserID validates an authenticated-user identifier received from
// the UI layer.
func ValidateUserID(id string) error {
	if id == "" {
		return errors.New(errors.KindValidation, "user id cannot be empty")
	}
	if !identifierRegex.MatchString(id) {
		return errors.Errorf(errors.KindValidation, "invalid user id: %s", id)
	}
	return nil
}

// ValidateRole validates the closed role set received from the UI layer.
func ValidateRole(role string) error {
	switch strings.ToLower(role) {
	case "nurse", "physician", "technician", "admin":
		return nil
	default:
		return errors.Errorf(errors.KindValidation, "unknown role %q", role)
	}
}
