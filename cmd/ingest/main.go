package main

import (
	"os"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/util"

	"github.com/spf13/cobra"
)

func main() {
	util.LoadEnv()

	root := &cobra.Command{
		Use:           "ingest",
		Short:         "Document ingestion pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(runCMD(), quarantineCMD())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
