// Command substrate-shim is the binary deployed under every
// $HOME/.substrate/shims/<name> entry (spec §4.C). It intentionally
// does not depend on Cobra: the hot path runs once per intercepted
// command and must not pay a CLI framework's init cost.
package main

import (
	"os"
	"path/filepath"

	"github.com/atomize-hq/substrate/internal/shim"
)

func main() {
	exe, err := os.Executable()
	name := filepath.Base(os.Args[0])
	shimDir := ""
	if err == nil {
		shimDir = filepath.Dir(exe)
	}

	res, err := shim.Run(name, shim.Deps{
		Environ: os.Environ(),
		Argv:    os.Args,
		ShimDir: shimDir,
	})
	if err != nil && res.ExitCode == 0 {
		res.ExitCode = 1
	}
	os.Exit(res.ExitCode)
}
