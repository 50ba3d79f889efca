package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"fiscal-audit-service/internal/config"
	"fiscal-audit-service/internal/intake"
	"fiscal-audit-service/internal/models"
)

// NewReportProcessor returns the placeholder aggregation step: it checks the
// stored files are present on disk and produces a report payload summarising
// the batch. The real audit pipeline replaces this function.
func NewReportProcessor(cfg config.Config, log zerolog.Logger) ProcessFunc {
	root, err := filepath.Abs(cfg.UploadsDir)
	if err != nil {
		root = cfg.UploadsDir
	}

	return func(ctx context.Context, job models.AuditJob) (json.RawMessage, error) {
		for _, file := range job.InputPayload {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			absolute := filepath.Join(root, file.StoredPath)
			if _, err := os.Stat(absolute); err != nil {
				return nil, fmt.Errorf("stored file missing: %s: %w", file.StoredPath, err)
			}
			log.Debug().
				Str("job_id", job.ID.String()).
				Str("file", file.StoredPath).
				Str("sha256", file.SHA256).
				Msg("audit file ready")
		}

		result := map[string]any{
			"message": "Audit processing completed.",
			"files":   job.InputPayload,
			"summary": summariseJob(job),
			"report":  buildReport(job),
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal result payload: %w", err)
		}
		return raw, nil
	}
}

type contentTypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

func summariseJob(job models.AuditJob) map[string]any {
	var totalSize int64
	counts := map[string]int{}
	for _, file := range job.InputPayload {
		totalSize += file.Size
		contentType := file.ContentType
		if contentType == "" {
			contentType = "unknown"
		}
		counts[contentType]++
	}

	top := make([]contentTypeCount, 0, len(counts))
	for name, count := range counts {
		top = append(top, contentTypeCount{Type: name, Count: count})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Type < top[j].Type
	})
	if len(top) > 3 {
		top = top[:3]
	}

	return map[string]any{
		"job_id":            job.ID.String(),
		"summary":           job.InputSummary,
		"file_count":        len(job.InputPayload),
		"total_size_bytes":  totalSize,
		"top_content_types": top,
		"storage_path":      job.StoragePath,
	}
}

func buildReport(job models.AuditJob) map[string]any {
	var totalSize int64
	documents := make([]map[string]any, 0, len(job.InputPayload))
	for _, file := range job.InputPayload {
		totalSize += file.Size
		documents = append(documents, map[string]any{
			"name":   file.OriginalName,
			"size":   file.Size,
			"sha256": file.SHA256,
			"status": "parsed",
		})
	}

	summaryText := "Files processed successfully."
	if job.InputSummary != nil {
		summaryText = *job.InputSummary
	}

	return map[string]any{
		"summary": map[string]any{
			"title":   "Fiscal Audit",
			"summary": summaryText,
			"keyMetrics": []map[string]any{
				{
					"metric":      "Files processed",
					"value":       fmt.Sprintf("%d", len(job.InputPayload)),
					"status":      "OK",
					"explanation": "Total documents included in this audit.",
				},
				{
					"metric":      "Volume ingested",
					"value":       intake.HumanBytes(totalSize),
					"status":      "OK",
					"explanation": "Aggregate size of the processed files.",
				},
			},
		},
		"aggregatedMetrics": map[string]any{
			"total_files":      len(job.InputPayload),
			"total_size_bytes": totalSize,
		},
		"documents": documents,
	}
}
