package tftp

import "testing"

func TestSanitizePathRejectsAbsolute(t *testing.T) {
	if _, err := sanitizePath("/etc/passwd"); err == nil {
		t.Fatal("expected rejection of an absolute path")
	}
}

func TestSanitizePathRejectsParentTraversal(t *testing.T) {
	cases := []string{"../secret", "a/../../b", "a/b/../../../c"}
	for _, c := range cases {
		if _, err := sanitizePath(c); err == nil {
			t.Fatalf("expected rejection of %q", c)
		}
	}
}

func TestSanitizePathAcceptsRelative(t *testing.T) {
	got, err := sanitizePath("reports/2024/q1.csv")
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if got != "reports/2024/q1.csv" {
		t.Fatalf("got %q", got)
	}
}
