package embedding

import (
	"context"
	"fmt"
	"log/slog"
)

// Pager walks stored embeddings in id order.
type Pager interface {
	ListAfter(ctx context.Context, afterID string, limit int) ([]Embedding, error)
}

const firstID = "00000000-0000-0000-0000-000000000000"

// Resync copies every embedding from src into dst, page by page. Mirror writes
// are keyed by (chunk, provider, model), so a failed run can be repeated.
func Resync(ctx context.Context, src Pager, dst Writer, pageSize int, logger *slog.Logger) (int, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}

	copied := 0
	after := firstID
	for {
		page, err := src.ListAfter(ctx, after, pageSize)
		if err != nil {
			return copied, fmt.Errorf("list embeddings after %s: %w", after, err)
		}
		for i := range page {
			if err := dst.Upsert(ctx, &page[i]); err != nil {
				return copied, fmt.Errorf("mirror embedding %s: %w", page[i].ID, err)
			}
			copied++
		}
		if len(page) > 0 {
			logger.InfoContext(ctx, "mirror resync progress", "copied", copied)
		}
		if len(page) < pageSize {
			return copied, nil
		}
		after = page[len(page)-1].ID
	}
}
