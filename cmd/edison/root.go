package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/leeroybrun/edison-sub000/internal/app"
)

var jsonOut bool

var rootCmd = &cobra.Command{
	Use:   "edison",
	Short: "File-backed workflow orchestration for coding agents",
	Long: `edison coordinates LLM coding agents over a shared repository.

Tasks, sessions, and QA records are plain files under .project/; every
state transition is guarded, locked, and journaled. Agents drive the
workflow through sessions:

  edison session create          start (or derive) a session
  edison task claim <id>         take a task into the session
  edison qa validate <root>      run a validation round
  edison session next            ask what to do next`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit machine-readable JSON")
}

func newApp() (*app.App, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return app.New(wd)
}

// emit prints v as indented JSON under --json, otherwise runs the human
// renderer. JSON shapes are part of the CLI contract; renderers are not.
func emit(cmd *cobra.Command, v any, human func()) error {
	if !jsonOut {
		human()
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func out(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
