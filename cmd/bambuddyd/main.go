package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "bambuddyd",
		Short:        "Print fleet manager for network-attached 3D printers",
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
