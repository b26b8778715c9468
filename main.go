// main.go
//
// Entry point; CLI handling lives in the Cobra root command in cmd/root.go

package main

import (
	"github.com/inference-sim/graphprof/cmd"
)

func main() {
	cmd.Execute()
}
