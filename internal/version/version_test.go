package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	Version, Commit = "1.2.3", "abc123"
	defer func() { Version, Commit = "dev", "unknown" }()

	out := String()
	if !strings.Contains(out, "version: 1.2.3") || !strings.Contains(out, "commit: abc123") {
		t.Fatalf("版本信息不完整: %q", out)
	}
	if UserAgent() != "oraclectl/1.2.3" {
		t.Fatalf("unexpected user agent %q", UserAgent())
	}
}
