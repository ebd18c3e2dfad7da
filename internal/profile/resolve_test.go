package profile

import "testing"

func TestResolvePrecedence(t *testing.T) {
	if got := Resolve("work"); got != "work" {
		t.Errorf("flag override: got %q, want work", got)
	}

	t.Setenv(EnvVar, "from-env")
	if got := Resolve(""); got != "from-env" {
		t.Errorf("env fallback: got %q, want from-env", got)
	}

	t.Setenv(EnvVar, "")
	if got := Resolve(""); got != DefaultName {
		t.Errorf("default fallback: got %q, want %q", got, DefaultName)
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"default", "work-2", "a", "user_1"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "UPPER", "has space", "dot.name", "x/y"}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}
