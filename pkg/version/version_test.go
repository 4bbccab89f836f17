package version

import (
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	if got, want := v.String(), "Version: 1.2.3-rc1\nBuild: abcdef"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if s := CfidumpVersion.String(); !strings.HasPrefix(s, "Version: 0.3.0\n") {
		t.Fatalf("unexpected version %q", s)
	}
}

func TestBuildInfo(t *testing.T) {
	if s := BuildInfo(); !strings.HasPrefix(s, "go") && !strings.HasPrefix(s, "devel") {
		t.Fatalf("build info does not start with the go version: %q", s)
	}
}
