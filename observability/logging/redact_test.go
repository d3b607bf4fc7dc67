package logging

import "testing"

func TestMaskFieldRedactsSecrets(t *testing.T) {
	attr := MaskField("facilitator_key", "4f3edf983ac636a65a842ce7c78d9aa706d3b113")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("value = %q, want redacted", attr.Value.String())
	}
}

func TestMaskFieldPreservesAllowlistedKeys(t *testing.T) {
	attr := MaskField("user", "0x1111111111111111111111111111111111111111")
	if attr.Value.String() == RedactedValue {
		t.Fatal("allowlisted key was redacted")
	}
}

func TestMaskValueLeavesEmptyValuesAlone(t *testing.T) {
	if MaskValue("") != "" {
		t.Fatal("empty value should pass through")
	}
	if MaskValue("token") != RedactedValue {
		t.Fatal("non-empty value should be masked")
	}
}

func TestAllowlistNeverContainsSecretKeys(t *testing.T) {
	for _, key := range RedactionAllowlist() {
		switch key {
		case "facilitator_key", "admin_secret", "authorization":
			t.Fatalf("secret key %q must not be allowlisted", key)
		}
	}
}
