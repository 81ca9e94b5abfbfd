// Command stacktrain is the merge queue daemon and its CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/stacktrain/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err == nil {
		return
	}

	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) {
		// Cobra usage errors: unknown flag, wrong arg count.
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCommandError)
	}
	if !exitErr.Reported() {
		fmt.Fprintln(os.Stderr, "Error:", exitErr)
	}
	os.Exit(exitErr.Code)
}
