package arcgis

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// maxExcludedIDsPerClause bounds each NOT IN list built when a layer
// cannot paginate. Longer exclusions are split into several clauses.
const maxExcludedIDsPerClause = 1000

// BatchQuery runs q and keeps fetching while the server reports that the
// transfer limit was exceeded. Layers that support pagination are walked
// with resultOffset; others are walked by excluding the object ids already
// returned. Every feature appears once in the merged result, in arrival
// order. q is not modified.
func (g *Gateway) BatchQuery(ctx context.Context, q *Query) (*QueryResponse, error) {
	if q == nil {
		return nil, ErrNilOperation
	}

	first, err := g.Query(ctx, q)
	if err != nil {
		return nil, err
	}

	if !first.ExceededTransferLimit || len(first.Features) == 0 {
		return first, nil
	}

	layer, err := g.DescribeLayer(ctx, q.Layer)
	if err != nil {
		return nil, fmt.Errorf("batch query: %w", err)
	}

	oidField := firstNonEmpty(layer.ObjectIDFieldName(), first.ObjectIDFieldName)
	paginate := layer.SupportsPagination()

	key := ""
	if oidField != "" {
		key = resolveObjectIDKey(first.Features, oidField)
	}

	if !paginate && key == "" {
		return nil, fmt.Errorf("batch query %s: layer cannot paginate and has no object id field", q.Layer)
	}

	batchSize := len(first.Features)

	result := *first
	result.Features = slices.Clone(first.Features)
	result.ExceededTransferLimit = false

	seen := make(map[int64]struct{}, batchSize)

	if key != "" {
		for _, f := range first.Features {
			if id, ok := toInt64(f.Attributes[key]); ok {
				seen[id] = struct{}{}
			}
		}
	}

	g.logger.Info("transfer limit exceeded, fetching remaining features",
		slog.String("layer", q.Layer.String()),
		slog.Int("batch_size", batchSize),
		slog.Bool("pagination", paginate),
	)

	for loop := 1; ; loop++ {
		next := q.clone()

		if paginate {
			next.ResultOffset = q.ResultOffset + batchSize*loop
			next.ResultRecordCount = batchSize
		} else {
			next.Where = excludeIDsClause(q.Where, oidField, sortedIDs(seen))
		}

		page, err := g.Query(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("batch query page %d: %w", loop, err)
		}

		g.metrics.BatchPage()

		added := 0

		for _, f := range page.Features {
			if key != "" {
				if id, ok := toInt64(f.Attributes[key]); ok {
					if _, dup := seen[id]; dup {
						continue
					}

					seen[id] = struct{}{}
				}
			}

			result.Features = append(result.Features, f)
			added++
		}

		if len(page.Features) == 0 || added == 0 || !page.ExceededTransferLimit {
			break
		}
	}

	g.logger.Info("batch query complete",
		slog.String("layer", q.Layer.String()),
		slog.Int("features", len(result.Features)),
	)

	return &result, nil
}

// excludeIDsClause returns where restricted to object ids not in ids,
// using one NOT IN list per maxExcludedIDsPerClause ids.
func excludeIDsClause(where, oidField string, ids []int64) string {
	where = firstNonEmpty(strings.TrimSpace(where), "1=1")
	if len(ids) == 0 {
		return where
	}

	var b strings.Builder

	b.WriteString("(")
	b.WriteString(where)
	b.WriteString(")")

	for chunk := range slices.Chunk(ids, maxExcludedIDsPerClause) {
		fmt.Fprintf(&b, " AND (%s NOT IN (%s))", oidField, joinIDs(chunk, ","))
	}

	return b.String()
}

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}
