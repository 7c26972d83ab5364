package store

import (
	"context"
	"fmt"
	"strings"
)

// ClosureEdges returns the edges for a new node: one from every ancestor of
// its parent (the parent itself included) plus the self-edge.
// parentAncestors is empty for a root comment.
func ClosureEdges(parentAncestors []int64, id int64) []ClosureEdge {
	edges := make([]ClosureEdge, 0, len(parentAncestors)+1)
	for _, ancestor := range parentAncestors {
		if ancestor == id {
			continue
		}
		edges = append(edges, ClosureEdge{AncestorID: ancestor, DescendantID: id})
	}
	return append(edges, ClosureEdge{AncestorID: id, DescendantID: id})
}

func ancestorIDs(ctx context.Context, q queryer, commentID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT ancestor_id FROM comment_closure WHERE descendant_id=$1 ORDER BY ancestor_id`, commentID)
	if err != nil {
		return nil, fmt.Errorf("list ancestors: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ancestor: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ancestors: %w", err)
	}
	return ids, nil
}

// insertClosureEdges writes all edges with a single multi-row INSERT.
func insertClosureEdges(ctx context.Context, q queryer, edges []ClosureEdge) error {
	if len(edges) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO comment_closure (ancestor_id, descendant_id) VALUES `)
	args := make([]any, 0, len(edges)*2)
	for i, edge := range edges {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d)", i*2+1, i*2+2)
		args = append(args, edge.AncestorID, edge.DescendantID)
	}
	if _, err := q.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert closure edges: %w", err)
	}
	return nil
}

// ClosureFor returns every edge that ends at commentID.
func (s *PostgresStore) ClosureFor(ctx context.Context, commentID int64) ([]ClosureEdge, error) {
	ids, err := ancestorIDs(ctx, s.db, commentID)
	if err != nil {
		return nil, err
	}
	edges := make([]ClosureEdge, 0, len(ids))
	for _, id := range ids {
		edges = append(edges, ClosureEdge{AncestorID: id, DescendantID: commentID})
	}
	return edges, nil
}
