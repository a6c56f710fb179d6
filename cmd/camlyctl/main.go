package main

import (
	"os"

	"github.com/onemorebsmith/camly-rewards/src/camlyctl"
)

func main() {
	if err := camlyctl.Execute(); err != nil {
		os.Exit(1)
	}
}
