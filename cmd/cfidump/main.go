package main

import (
	"os"

	"github.com/go-delve/unwind/cmd/cfidump/cmds"
	"github.com/go-delve/unwind/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.CfidumpVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
