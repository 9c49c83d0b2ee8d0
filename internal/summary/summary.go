// Package summary tabulates persisted reports into summary.csv.
package summary

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
	"github.com/JakeFAU/codepaper-harvester/internal/storage/local"
	"github.com/JakeFAU/codepaper-harvester/internal/store"
)

// FileName is the summary file written at the output root.
const FileName = "summary.csv"

// Header lists the summary columns in order.
var Header = []string{"doi", "title", "journal", "category", "has_pdf", "has_review", "has_code"}

// Row renders one report. has_* columns are true only for successful
// downloads.
func Row(r harvest.Report) []string {
	return []string{
		r.DOI,
		r.Title,
		r.Journal,
		r.Category,
		strconv.FormatBool(r.Has(harvest.KindPDF)),
		strconv.FormatBool(r.Has(harvest.KindPeerReview)),
		strconv.FormatBool(r.Has(harvest.KindCode)),
	}
}

// Write re-reads every report under the store root and atomically replaces
// <root>/summary.csv. It returns the number of rows written.
func Write(ctx context.Context, st *store.Store, blobs *local.BlobStore) (int, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Header); err != nil {
		return 0, fmt.Errorf("write summary header: %w", err)
	}
	rows := 0
	err := st.Walk(func(r harvest.Report) error {
		if !r.Screening.Passed {
			return nil
		}
		rows++
		return w.Write(Row(r))
	})
	if err != nil {
		return 0, fmt.Errorf("collect summary rows: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, fmt.Errorf("flush summary: %w", err)
	}
	if _, err := blobs.PutObject(ctx, FileName, &buf, nil); err != nil {
		return 0, fmt.Errorf("save summary: %w", err)
	}
	return rows, nil
}
