package version

import (
	"fmt"
	"runtime"
)

// Version represents the current version of cfidump.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// CfidumpVersion is the current version of cfidump.
var CfidumpVersion = Version{
	Major: "0", Minor: "3", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	fixBuild(&v)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

var buildInfo = func() string {
	return ""
}

// fixBuild replaces an unexpanded Build identifier with the revision
// recorded by the toolchain, when available.
var fixBuild = func(v *Version) {}

// BuildInfo returns the version of Go and of every module cfidump was
// built with.
func BuildInfo() string {
	return fmt.Sprintf("%s\n%s", runtime.Version(), buildInfo())
}
