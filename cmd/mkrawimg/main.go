// Command mkrawimg builds raw disk images from a device registry and a
// prepared root filesystem tree.
package main

import (
	"fmt"
	"os"

	"github.com/aosc-dev/mkrawimg-go/internal/mkerrors"
)

func main() {
	root := createRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(mkerrors.ExitCode(err))
	}
}
