package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/scrypster/quanta/internal/engine"
	"github.com/scrypster/quanta/pkg/types"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func printQuantum(w io.Writer, q *types.Quantum, jsonOutput bool) error {
	if jsonOutput {
		return printJSON(w, q)
	}
	tw := newTable(w)
	fmt.Fprintf(tw, "ID:\t%s\n", q.ID)
	fmt.Fprintf(tw, "Type:\t%s\n", q.ContentType)
	fmt.Fprintf(tw, "State:\t%s\n", q.State)
	fmt.Fprintf(tw, "Relevance:\t%.3f\n", q.RelevanceScore)
	fmt.Fprintf(tw, "Accesses:\t%d\n", q.AccessCount)
	fmt.Fprintf(tw, "Reinforcement:\t%d\n", q.ReinforcementLevel)
	if len(q.Tags) > 0 {
		fmt.Fprintf(tw, "Tags:\t%s\n", strings.Join(q.Tags, ", "))
	}
	fmt.Fprintf(tw, "Created:\t%s\n", q.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Last access:\t%s\n", q.LastAccessedAt.Format(time.RFC3339))
	if len(q.AssociatedIDs) > 0 {
		fmt.Fprintf(tw, "Associated:\t%s\n", strings.Join(q.AssociatedIDs, ", "))
	}
	fmt.Fprintf(tw, "Content:\t%s\n", q.Content)
	return tw.Flush()
}

func printSearchResults(w io.Writer, results []engine.SearchResult, jsonOutput bool) error {
	if jsonOutput {
		return printJSON(w, results)
	}
	if len(results) == 0 {
		fmt.Fprintln(w, "No matches.")
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "SCORE\tID\tTYPE\tRELEVANCE\tCONTENT")
	for _, r := range results {
		fmt.Fprintf(tw, "%.3f\t%s\t%s\t%.3f\t%s\n",
			r.Score, r.Quantum.ID, r.Quantum.ContentType, r.Quantum.RelevanceScore, truncate(r.Quantum.Content, 60))
	}
	return tw.Flush()
}

func printRelated(w io.Writer, related []types.RelatedQuantum, jsonOutput bool) error {
	if jsonOutput {
		return printJSON(w, related)
	}
	if len(related) == 0 {
		fmt.Fprintln(w, "No related records.")
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "STRENGTH\tTYPE\tID\tCONTENT")
	for _, r := range related {
		fmt.Fprintf(tw, "%.3f\t%s\t%s\t%s\n", r.Strength, r.RelationshipType, r.Quantum.ID, truncate(r.Quantum.Content, 60))
	}
	return tw.Flush()
}

func printClusters(w io.Writer, clusters []*types.Cluster, jsonOutput bool) error {
	if jsonOutput {
		return printJSON(w, clusters)
	}
	if len(clusters) == 0 {
		fmt.Fprintln(w, "No clusters.")
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tTHEME\tMEMBERS\tSTRENGTH")
	for _, c := range clusters {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.3f\n", c.ID, c.Theme, len(c.MemberIDs), c.Strength)
	}
	return tw.Flush()
}

func printHistory(w io.Writer, events []types.AccessEvent, jsonOutput bool) error {
	if jsonOutput {
		return printJSON(w, events)
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "No accesses recorded.")
		return nil
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "AT\tKIND\tRELEVANCE\tCONTEXT")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%.3f\t%s\n", ev.At.Format(time.RFC3339), ev.Kind, ev.RelevanceAtAccess, truncate(ev.Context, 60))
	}
	return tw.Flush()
}

func printStats(w io.Writer, stats engine.Stats, breaker string, jsonOutput bool) error {
	if jsonOutput {
		return printJSON(w, struct {
			engine.Stats
			Breaker string `json:"breaker"`
		}{stats, breaker})
	}
	tw := newTable(w)
	fmt.Fprintf(tw, "Total records:\t%d\n", stats.TotalRecords)
	fmt.Fprintf(tw, "Cached records:\t%d\n", stats.CachedRecords)
	fmt.Fprintf(tw, "Cache hit rate:\t%.3f\n", stats.CacheHitRate)
	fmt.Fprintf(tw, "Average relevance:\t%.3f\n", stats.AverageRelevance)
	fmt.Fprintf(tw, "Consolidations:\t%d\n", stats.ConsolidationsPerformed)
	fmt.Fprintf(tw, "Clusters:\t%d\n", stats.Clusters)
	fmt.Fprintf(tw, "Storage circuit:\t%s\n", breaker)
	return tw.Flush()
}
