package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scrypster/quanta/internal/engine"
	"github.com/scrypster/quanta/pkg/types"
)

func storeCmd(flags *globalFlags) *cobra.Command {
	var (
		contentType string
		tags        []string
		contextKV   map[string]string
	)
	cmd := &cobra.Command{
		Use:   "store [content]",
		Short: "Store a record and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withEngine(cmd, func(ctx context.Context, e *engine.MemoryEngine) error {
				id, err := e.Store(ctx, engine.StoreRequest{
					Content:     args[0],
					ContentType: contentType,
					Tags:        tags,
					Context:     parseContext(contextKV),
				})
				if err != nil {
					return err
				}
				if flags.jsonOutput {
					return printJSON(cmd.OutOrStdout(), map[string]string{"id": id})
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "type", types.ContentTypeGeneral, "content type")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringToStringVar(&contextKV, "context", nil, "context key=value pairs; numeric values are kept as numbers")
	return cmd
}

// parseContext turns key=value flags into a store context. Values that parse
// as numbers are stored as float64 so they weigh by magnitude.
func parseContext(kv map[string]string) map[string]interface{} {
	if len(kv) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(kv))
	for k, v := range kv {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
			continue
		}
		out[k] = v
	}
	return out
}

func searchCmd(flags *globalFlags) *cobra.Command {
	var opts engine.SearchOptions
	var state string
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Rank records against a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Query = strings.Join(args, " ")
			opts.State = types.QuantumState(state)
			return flags.withEngine(cmd, func(ctx context.Context, e *engine.MemoryEngine) error {
				results, err := e.Search(ctx, opts)
				if err != nil {
					return err
				}
				return printSearchResults(cmd.OutOrStdout(), results, flags.jsonOutput)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ContentType, "type", "", "only this content type")
	cmd.Flags().StringVar(&state, "state", "", "only this lifecycle state")
	cmd.Flags().Float64Var(&opts.MinRelevance, "min-relevance", 0, "minimum relevance score")
	cmd.Flags().IntVar(&opts.Limit, "limit", 10, "maximum results (max 100)")
	return cmd
}

func getCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get [id]",
		Short: "Show a record without counting an access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withEngine(cmd, func(ctx context.Context, e *engine.MemoryEngine) error {
				q, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printQuantum(cmd.OutOrStdout(), q, flags.jsonOutput)
			})
		},
	}
}

func deleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a record and its edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withEngine(cmd, func(ctx context.Context, e *engine.MemoryEngine) error {
				if err := e.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func reinforceCmd(flags *globalFlags) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "reinforce [id]",
		Short: "Reinforce a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withEngine(cmd, func(ctx context.Context, e *engine.MemoryEngine) error {
				q, err := e.Reinforce(ctx, args[0], note)
				if err != nil {
					return err
				}
				return printQuantum(cmd.OutOrStdout(), q, flags.jsonOutput)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note recorded in the access log")
	return cmd
}

func historyCmd(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Show recent accesses of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withEngine(cmd, func(ctx context.Context, e *engine.MemoryEngine) error {
				events, err := e.AccessHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printHistory(cmd.OutOrStdout(), events, flags.jsonOutput)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum events")
	return cmd
}

func linkCmd(flags *globalFlags) *cobra.Command {
	var (
		relType  string
		strength float64
	)
	cmd := &cobra.Command{
		Use:   "link [source-id] [target-id]",
		Short: "Link two records",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withEngine(cmd, func(ctx context.Context, e *engine.MemoryEngine) error {
				rel, err := e.Link(ctx, args[0], args[1], relType, strength)
				if err != nil {
					return err
				}
				if flags.jsonOutput {
					return printJSON(cmd.OutOrStdout(), rel)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Linked %s -[%s %.2f]- %s\n", rel.SourceID, rel.Type, rel.Strength, rel.TargetID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&relType, "type", types.RelationshipRelated, "relationship type")
	cmd.Flags().Float64Var(&strength, "strength", 0.5, "edge strength in [0,1]")
	return cmd
}

func relatedCmd(flags *globalFlags) *cobra.Command {
	var relTypes []string
	cmd := &cobra.Command{
		Use:   "related [id]",
		Short: "List records linked to a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withEngine(cmd, func(ctx context.Context, e *engine.MemoryEngine) error {
				related, err := e.Related(ctx, args[0], relTypes...)
				if err != nil {
					return err
				}
				return printRelated(cmd.OutOrStdout(), related, flags.jsonOutput)
			})
		},
	}
	cmd.Flags().StringSliceVar(&relTypes, "type", nil, "only these relationship types")
	return cmd
}

func clustersCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clusters",
		Short: "List clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withEngine(cmd, func(ctx context.Context, e *engine.MemoryEngine) error {
				clusters, err := e.Clusters(ctx)
				if err != nil {
					return err
				}
				return printClusters(cmd.OutOrStdout(), clusters, flags.jsonOutput)
			})
		},
	}
}

func consolidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Run one consolidation pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withEngine(cmd, func(ctx context.Context, e *engine.MemoryEngine) error {
				report, err := e.Consolidate(ctx)
				if err != nil {
					return err
				}
				if flags.jsonOutput {
					return printJSON(cmd.OutOrStdout(), report)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Examined %d: kept %d, evicted %d, decayed %d, state changes %d, failed %d\n",
					report.Examined, report.Kept, report.Evicted, report.Decayed, report.StateChanges, report.Failed)
				return nil
			})
		},
	}
}

func cleanupCmd(flags *globalFlags) *cobra.Command {
	var threshold float64
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete rarely used records below a relevance threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withEngine(cmd, func(ctx context.Context, e *engine.MemoryEngine) error {
				deleted, err := e.CleanupLowRelevance(ctx, threshold)
				if err != nil {
					return err
				}
				if flags.jsonOutput {
					return printJSON(cmd.OutOrStdout(), map[string]int{"deleted": deleted})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d records\n", deleted)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0.1, "relevance threshold")
	return cmd
}

func statsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withEngine(cmd, func(ctx context.Context, e *engine.MemoryEngine) error {
				stats, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				return printStats(cmd.OutOrStdout(), stats, e.BreakerState(), flags.jsonOutput)
			})
		},
	}
}

// snapshotter is implemented by backends that can copy themselves to a file.
type snapshotter interface {
	Snapshot(ctx context.Context, destPath string) error
}

func snapshotCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot [path]",
		Short: "Write a verified copy of the sqlite database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			backend, err := cfg.OpenBackend()
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			s, ok := backend.(snapshotter)
			if !ok {
				return fmt.Errorf("storage engine %q does not support snapshots", cfg.Storage.StorageEngine)
			}
			if err := s.Snapshot(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Snapshot written to %s\n", args[0])
			return nil
		},
	}
}
