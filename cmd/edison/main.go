package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/leeroybrun/edison-sub000/internal/errs"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "edison: internal error: %v\n%s", r, debug.Stack())
			os.Exit(errs.ExitInternal)
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "edison:", err)
		os.Exit(errs.ExitCode(err))
	}
}
