package main

import (
	"os"

	"github.com/sinas-platform/sinas/cli"
	"github.com/sinas-platform/sinas/engine/backend"
)

func main() {
	// Functions execute on a local backend; embedding applications
	// register their handlers here before Execute.
	be := backend.NewLocalBackend()
	if err := cli.RootCmd(be).Execute(); err != nil {
		os.Exit(1)
	}
}
