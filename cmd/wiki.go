package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/politescrape/internal/wiki"
)

// newWikiCmd creates the 'wiki' subcommand.
func newWikiCmd() *cobra.Command {
	var (
		rawURL string
		index  int
		out    string
	)
	cmd := &cobra.Command{
		Use:   "wiki",
		Short: "Export a table from a Wikipedia-style page to CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			if !cmd.Flags().Changed("url") {
				rawURL = cfg.WikiURL
			}
			if !cmd.Flags().Changed("index") {
				index = cfg.WikiTableIndex
			}
			if !cmd.Flags().Changed("out") {
				out = cfg.WikiOutputFile
			}

			sess, err := appInstance.NewSession(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := sess.Close(); cerr != nil {
					appInstance.GetLogger().Warn("failed to close session", zap.Error(cerr))
				}
			}()

			table, err := wiki.ScrapeTable(cmd.Context(), sess, rawURL, index)
			if err != nil {
				return err
			}
			if err := table.SaveCSV(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved table %d (%d rows x %d columns) to %s\n",
				index, len(table.Rows), len(table.Headers), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&rawURL, "url", "", "page URL (default wiki_url)")
	cmd.Flags().IntVar(&index, "index", 0, "zero-based table index (default wiki_table_index)")
	cmd.Flags().StringVar(&out, "out", "", "CSV output path (default wiki_output_file)")
	return cmd
}
