// Package report renders classification results for people.
package report

import (
	"fmt"
	"log/slog"
	"strings"

	"changedetect/packages/classifier"
	"changedetect/packages/domain"
)

// ListThreshold is the bucket size from which ids are summarised as a count.
const ListThreshold = 5

// Lines renders one line per bucket: the ids when there are only a few, the
// count otherwise.
func Lines(buckets *domain.Buckets[string]) []string {
	lines := make([]string, 0, buckets.Len())
	for _, key := range buckets.Keys() {
		ids := buckets.Get(key)
		if len(ids) < ListThreshold {
			lines = append(lines, fmt.Sprintf("%s: %s", key, strings.Join(ids, ", ")))
		} else {
			lines = append(lines, fmt.Sprintf("%s: %d", key, len(ids)))
		}
	}
	return lines
}

// Log emits the summary through logger, one record per rendered line.
func Log(logger *slog.Logger, result *classifier.Result) {
	logger.Info("Changes detected", "resources", result.Changes.Count(), "categories", result.Changes.Len())
	for _, line := range Lines(result.Changes) {
		logger.Info(line)
	}
	logger.Info("Will get these", "resources", len(result.ToRetrieve))
	for _, line := range Lines(result.Retrying) {
		logger.Info(line)
	}
}
