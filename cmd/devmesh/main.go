// Package main is the single-binary entrypoint for devmesh. The same binary
// runs the controller and, re-executed as `devmesh worker`, each device
// worker.
package main

import "github.com/devmesh/devmesh/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
