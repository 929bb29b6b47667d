package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/graph"
	"github.com/ryansmccoy/py-sec-edgar-sub002/pkg/core/spine"
)

func newGraphCmd(app *cliApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Query the relationship graph",
	}
	cmd.AddCommand(
		newGraphEdgesCmd(app, "suppliers", graph.RelSupplierTo),
		newGraphEdgesCmd(app, "customers", graph.RelCustomerOf),
		newGraphPathCmd(app),
	)
	return cmd
}

func newGraphEdgesCmd(app *cliApp, name string, relType graph.RelationshipType) *cobra.Command {
	var asOf string

	cmd := &cobra.Command{
		Use:   name + " ENTITY_ID",
		Short: fmt.Sprintf("List the entity's outgoing %s edges", relType),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseEntityID(args[0])
			if err != nil {
				return err
			}
			if err := app.requireDB(ctx); err != nil {
				return err
			}
			if _, err := app.spineSt.Entity(ctx, id); err != nil {
				if eris.Is(err, spine.ErrNotFound) {
					return usageErrf("no entity %d", id)
				}
				return err
			}

			filter := graph.RelFilter{EntityID: id, Type: relType}
			if asOf != "" {
				t, err := parseDay(asOf)
				if err != nil {
					return err
				}
				filter.AsOf = &t
			}
			rows, err := app.graphSt.Relationships(ctx, filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TARGET\tNAME\tCONFIDENCE\tVALID")
			for _, rel := range rows {
				// The store matches either end; keep the outgoing half.
				if rel.SourceEntityID != id {
					continue
				}
				fmt.Fprintf(w, "%d\t%s\t%.2f\t%s\n",
					rel.TargetEntityID, entityName(ctx, app, rel.TargetEntityID),
					rel.Confidence, validityWindow(rel))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&asOf, "as-of", "", "only edges valid on this date, YYYY-MM-DD")
	return cmd
}

func newGraphPathCmd(app *cliApp) *cobra.Command {
	var maxDepth int

	cmd := &cobra.Command{
		Use:   "path FROM_ID TO_ID",
		Short: "Find a connection between two entities",
		Long: `Path runs a breadth-first search over relationships of every type,
ignoring edge direction, and prints the shortest chain it finds.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			from, err := parseEntityID(args[0])
			if err != nil {
				return err
			}
			to, err := parseEntityID(args[1])
			if err != nil {
				return err
			}
			if err := app.requireDB(ctx); err != nil {
				return err
			}
			for _, id := range []int64{from, to} {
				if _, err := app.spineSt.Entity(ctx, id); err != nil {
					if eris.Is(err, spine.ErrNotFound) {
						return usageErrf("no entity %d", id)
					}
					return err
				}
			}

			path, types, err := shortestPath(ctx, app.graphSt, from, to, maxDepth)
			if err != nil {
				return err
			}
			if path == nil {
				fmt.Printf("no path between %d and %d within %d hops\n", from, to, maxDepth)
				return nil
			}

			parts := make([]string, 0, len(path)*2-1)
			for i, id := range path {
				if i > 0 {
					parts = append(parts, fmt.Sprintf("-[%s]-", types[i-1]))
				}
				parts = append(parts, fmt.Sprintf("%s (%d)", entityName(ctx, app, id), id))
			}
			fmt.Println(strings.Join(parts, " "))
			return nil
		},
	}

	cmd.Flags().IntVar(&maxDepth, "max-depth", 4, "max hops to search")
	return cmd
}

type pathHop struct {
	prev int64
	via  graph.RelationshipType
}

// shortestPath is an undirected BFS over the relationship store. It
// returns the node chain and the edge type between each pair, or nil
// when the entities do not connect within maxDepth hops.
func shortestPath(ctx context.Context, st graph.Store, from, to int64, maxDepth int) ([]int64, []graph.RelationshipType, error) {
	if from == to {
		return []int64{from}, nil, nil
	}

	visited := map[int64]pathHop{from: {prev: from}}
	frontier := []int64{from}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []int64
		for _, node := range frontier {
			rels, err := st.Relationships(ctx, graph.RelFilter{EntityID: node})
			if err != nil {
				return nil, nil, err
			}
			for _, rel := range rels {
				other := rel.TargetEntityID
				if other == node {
					other = rel.SourceEntityID
				}
				if _, seen := visited[other]; seen {
					continue
				}
				visited[other] = pathHop{prev: node, via: rel.Type}
				if other == to {
					return unwind(visited, from, to)
				}
				next = append(next, other)
			}
		}
		frontier = next
	}
	return nil, nil, nil
}

func unwind(visited map[int64]pathHop, from, to int64) ([]int64, []graph.RelationshipType, error) {
	var (
		path  []int64
		types []graph.RelationshipType
	)
	for node := to; ; {
		path = append([]int64{node}, path...)
		if node == from {
			break
		}
		h := visited[node]
		types = append([]graph.RelationshipType{h.via}, types...)
		node = h.prev
	}
	return path, types, nil
}

func parseEntityID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, usageErrf("entity id must be a positive integer, got %q", raw)
	}
	return id, nil
}

func entityName(ctx context.Context, app *cliApp, id int64) string {
	e, err := app.spineSt.Entity(ctx, id)
	if err != nil {
		return "?"
	}
	return e.PrimaryName
}

func validityWindow(rel graph.Relationship) string {
	from := rel.ValidFrom.Format("2006-01-02")
	if rel.ValidTo == nil {
		return from + "/open"
	}
	return from + "/" + rel.ValidTo.Format("2006-01-02")
}
