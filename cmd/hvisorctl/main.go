package main

import (
	"fmt"
	"os"

	"github.com/danmuck/hvisor/internal/hypervisor"
	"github.com/danmuck/hvisor/internal/logging"
)

func main() {
	logging.ConfigureRuntime()

	cfg := hypervisor.DefaultServiceConfig()
	if len(os.Args) > 1 {
		loaded, err := loadServiceConfig(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "hvisorctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	svc := hypervisor.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "hvisorctl: %v\n", err)
		os.Exit(1)
	}
}
