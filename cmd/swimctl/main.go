package main

import (
    "fmt"
    "os"

    "github.com/spf13/cobra"

    swimcli "github.com/amirimatin/go-swim/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        fmt.Fprintln(os.Stderr, "swimctl:", err)
        os.Exit(1)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "swimctl",
        Short:         "Run and manage go-swim gossip nodes",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    swimcli.AddAll(root)
    return root
}
