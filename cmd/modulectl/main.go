package main

import (
	"fmt"
	"os"

	"github.com/danmuck/hvisor/internal/logging"
	"github.com/danmuck/hvisor/internal/modulehost"
)

func main() {
	logging.ConfigureRuntime()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: modulectl <config.toml>")
		os.Exit(2)
	}
	cfg, err := loadServiceConfig(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "modulectl: %v\n", err)
		os.Exit(1)
	}

	svc, err := modulehost.NewServiceWithConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "modulectl: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "modulectl: %v\n", err)
		os.Exit(1)
	}
}
