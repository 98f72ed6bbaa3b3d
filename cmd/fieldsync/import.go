package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anaemia-care/fieldsync/internal/importer"
)

var importCmd = &cobra.Command{
	Use:     "import <file>...",
	GroupID: "records",
	Short:   "Register beneficiaries from roster files",
	Long: `Register every record in one or more roster files (.jsonl, .yaml or .yml).
Records go through the same path as "fieldsync register": they are saved
locally and delivered directly or queued for the next sync.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withApp(cmd.Context(), func(a *app) error {
			im := importer.New(a.store, a.logger)
			var results []importer.Result
			failed := 0
			for _, path := range args {
				res, err := im.ImportFile(cmd.Context(), path)
				if err != nil {
					return err
				}
				results = append(results, res)
				failed += res.Failed
				if !asJSON {
					printImport(res)
				}
			}
			if asJSON {
				return printJSON(results)
			}
			if failed > 0 {
				return fmt.Errorf("%d records were rejected", failed)
			}
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:     "watch [dir]",
	GroupID: "advanced",
	Short:   "Import roster files dropped into a directory",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := cfg.Import.Dir
		if len(args) == 1 {
			dir = args[0]
		}
		if dir == "" {
			return fmt.Errorf("no inbox directory configured")
		}
		return withApp(cmd.Context(), func(a *app) error {
			w := importer.NewWatcher(dir, importer.New(a.store, a.logger), cfg.Import.Debounce, a.logger)
			w.OnImport(func(res importer.Result, err error) {
				if err != nil {
					fmt.Printf("%s %s: %v\n", renderFail("✗"), res.Path, err)
					return
				}
				printImport(res)
			})
			fmt.Printf("%s Watching %s (Ctrl+C to stop)\n", renderAccent("→"), dir)
			return w.Run(cmd.Context())
		})
	},
}

func printImport(res importer.Result) {
	mark := renderPass("✓")
	if res.Failed > 0 {
		mark = renderWarn("⚠")
	}
	fmt.Printf("%s %s: %d of %d registered", mark, res.Path, res.Imported, res.Total)
	if res.Queued > 0 {
		fmt.Printf(", %s", renderMuted(fmt.Sprintf("%d queued for sync", res.Queued)))
	}
	fmt.Println()
	for _, e := range res.Errors {
		fmt.Printf("   line %d (%s): %s\n", e.Line, e.Name, e.Err)
	}
}

func init() {
	importCmd.Flags().Bool("json", false, "print JSON")
	rootCmd.AddCommand(importCmd, watchCmd)
}
