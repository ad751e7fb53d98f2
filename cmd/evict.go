package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fineweb-news/internal/app"
	"github.com/JakeFAU/fineweb-news/internal/catalog"
	"github.com/JakeFAU/fineweb-news/internal/extract"
)

// newEvictCmd creates the 'evict' subcommand, which drops the cached shards of subsets.
func newEvictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Delete the cached shards of the named subsets",
		RunE:  withApp(runEvictCommand),
	}
	cmd.Flags().StringSlice("subset", nil, "subset whose cache entries are removed (repeatable)")
	_ = cmd.MarkFlagRequired("subset")
	return cmd
}

func runEvictCommand(cmd *cobra.Command, a *app.App, _ []string) error {
	names, err := cmd.Flags().GetStringSlice("subset")
	if err != nil {
		return err
	}
	c, err := a.Catalog()
	if err != nil {
		return err
	}
	records, err := c.Build(cmd.Context())
	if err != nil {
		return err
	}

	store := a.Cache()
	dataset := a.Config().Dataset.Identity
	bySubset := map[string]catalog.Subset{}
	for _, s := range catalog.Group(records) {
		bySubset[s.Name] = s
	}
	for _, name := range names {
		subset, ok := bySubset[name]
		if !ok {
			return fmt.Errorf("subset %q is not in the catalog of %s", name, dataset)
		}
		removed := 0
		for _, shard := range subset.Shards {
			path := store.PathFor(extract.Locator(dataset, shard))
			exists, err := store.Exists(path)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			if err := store.Evict(path); err != nil {
				return err
			}
			removed++
		}
		a.Logger().Info("subset cache evicted", zap.String("subset", name), zap.Int("files", removed))
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: removed %d of %d cached shards\n", name, removed, len(subset.Shards))
	}
	return nil
}
