// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package validation

import "testing"

func TestValidateMRN(t *testing.T) {
	valid := []string{"M1", "MRN-2024-0042", "a1_b2.c3", "X"}
	for _, mrn := range valid {
		if err := ValidateMRN(mrn); err != nil {
			t.Errorf("ValidateMRN(%q) = %v, want nil", mrn, err)
		}
	}

	invalid := []string{"", "-leading", "has space", "semi;colon", "quote'", "a\nb",
		"0123456789012345678901234567890123456789012345678901234567890123456789"}
	for _, mrn := range invalid {
		if err := ValidateMRN(mrn); err == nil {
			t.Errorf("ValidateMRN(%q) = nil, want error", mrn)
		}
	}
}

func TestValidateDeviceID(t *testing.T) {
	if err := ValidateDeviceID("ZM-01"); err != nil {
		t.Errorf("ZM-01 rejected: %v", err)
	}
	for _, id := range []string{"", "has space", "dot.ted", "x$y"} {
		if err := ValidateDeviceID(id); err == nil {
			t.Errorf("ValidateDeviceID(%q) = nil, want error", id)
		}
	}
}

func TestValidateRole(t *testing.T) {
	for _, role := range []string{"nurse", "Physician", "ADMIN", "technician"} {
		if err := ValidateRole(role); err != nil {
			t.Errorf("ValidateRole(%q) = %v", role, err)
		}
	}
	if err := ValidateRole("janitor"); err == nil {
		t.Error("unknown role accepted")
	}
}
