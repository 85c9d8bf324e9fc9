package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tnqbao/gau-forge/modelcache"
)

type cacheOptions struct {
	*rootOptions
	root string
}

func (o *cacheOptions) cacheRoot() string {
	if o.root != "" {
		return o.root
	}
	return o.cfg.EnvConfig.ModelCache.Root
}

// manager takes ownership of the cache root, which also sweeps partial downloads
func (o *cacheOptions) manager(cmd *cobra.Command) (*modelcache.Manager, error) {
	env := o.cfg.EnvConfig
	return modelcache.NewManager(modelcache.Options{
		Root:          o.cacheRoot(),
		MaxCacheBytes: env.ModelCache.MaxSizeBytes,
		MinFreeBytes:  env.ModelCache.MinFreeBytes,
	}, nil, o.logger(cmd.ErrOrStderr()))
}

func newCacheCmd(root *rootOptions) *cobra.Command {
	opts := &cacheOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clean the local model cache",
		Long: `Inspect and clean the model cache of this host.

list only reads the cache and is safe next to a running worker. prune, evict and
clear take ownership of the cache root; stop the worker first.`,
	}
	cmd.PersistentFlags().StringVar(&opts.root, "root", "", "cache root (default MODEL_CACHE_ROOT)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cached models, least recently used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := modelcache.ScanDir(opts.cacheRoot())
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			printEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Evict least recently used models until the size and free space limits hold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.manager(cmd)
			if err != nil {
				return err
			}
			before, _ := m.Size()
			if err := m.Prune(cmd.Context()); err != nil {
				return err
			}
			after, _ := m.Size()
			var freed uint64
			if before > after {
				freed = before - after
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Freed %s, cache now %s\n", humanize.IBytes(freed), humanize.IBytes(after))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "evict <key>",
		Short: "Remove one cached model by its blob key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.manager(cmd)
			if err != nil {
				return err
			}
			if err := m.Evict(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Evicted %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.manager(cmd)
			if err != nil {
				return err
			}
			removed, err := m.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries\n", removed)
			return nil
		},
	})

	return cmd
}

func printEntries(w io.Writer, entries []modelcache.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Cache is empty")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSIZE\tLAST USED")
	var total uint64
	for _, e := range entries {
		total += uint64(e.SizeBytes)
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Key, humanize.IBytes(uint64(e.SizeBytes)), humanize.Time(e.LastAccess))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%d entries, %s\n", len(entries), humanize.IBytes(total))
}
