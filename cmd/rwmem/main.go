package main

import (
	"os"

	"github.com/rwmem/rwmem/cmd/rwmem/cmds"
	"github.com/rwmem/rwmem/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.RwmemVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
