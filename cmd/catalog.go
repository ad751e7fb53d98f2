package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/fineweb-news/internal/app"
	"github.com/JakeFAU/fineweb-news/internal/catalog"
)

// newCatalogCmd creates the 'catalog' subcommand, which builds and prints the shard catalog.
func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Build the shard catalog and print its subsets",
		Long: `Lists the source dataset once, maps each shard to its subset and persists the
result in the cache directory. Later runs load it without remote calls.`,
		RunE: withApp(runCatalogCommand),
	}
}

func runCatalogCommand(cmd *cobra.Command, a *app.App, _ []string) error {
	c, err := a.Catalog()
	if err != nil {
		return err
	}
	records, err := c.Build(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SUBSET\tSHARDS")
	subsets := catalog.Group(records)
	for _, s := range subsets {
		_, _ = fmt.Fprintf(tw, "%s\t%d\n", s.Name, len(s.Shards))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%d shards in %d subsets (%s)\n", len(records), len(subsets), c.Path())
	return nil
}
