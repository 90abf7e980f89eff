package version

import (
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abc"}
	if got := v.String(); got != "Version: 1.2.3-rc1\nBuild: abc" {
		t.Fatalf("got %q", got)
	}
	if !strings.HasPrefix(RwmemVersion.String(), "Version: 0.3.0\n") {
		t.Fatalf("got %q", RwmemVersion.String())
	}
}
