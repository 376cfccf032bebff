package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "kestrel",
		Short:         "Kestrel IMAP server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(cmdServe(), cmdAddUser(), cmdToken())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kestrel:", err)
		os.Exit(1)
	}
}
