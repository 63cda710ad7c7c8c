package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{Use: "wheelhouse", Short: "Maritime troubleshooting assistant core"}
	root.AddCommand(serveCMD(), migrateCMD(), indexCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
