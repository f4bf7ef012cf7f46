package main

import (
	"github.com/spf13/cobra"

	"github.com/leeroybrun/edison-sub000/internal/compose"
)

var composeCmd = &cobra.Command{
	Use:   "compose <type>|all",
	Short: "Compose layered content into .edison/_generated/",
	Long: `Compose core, vendor, pack, and project layers into the generated
content tree. "all" covers every content type; naming one type limits
the run. Shadowing a lower layer requires an explicit opt-in; a
violation fails the whole run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		composer, err := compose.New(a.Paths, a.Cfg)
		if err != nil {
			return err
		}
		var rep *compose.Report
		if args[0] == "all" {
			rep, err = composer.ComposeAll()
		} else {
			rep, err = composer.ComposeType(args[0])
		}
		if rep != nil {
			if emitErr := emit(cmd, rep, func() {
				out(cmd, "wrote %d file(s), fingerprint %s\n", len(rep.FilesWritten), rep.Fingerprint)
				for _, w := range rep.Warnings {
					out(cmd, "warning: %s\n", w)
				}
				for _, e := range rep.Errors {
					out(cmd, "error: %s\n", e)
				}
			}); emitErr != nil && err == nil {
				err = emitErr
			}
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(composeCmd)
}
