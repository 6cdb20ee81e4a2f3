// Package classifier turns probe outcomes into change decisions.
//
// A 200 response is compared against the stored metadata signal by signal: the
// entity tag first, then the size, then the modification time. Each signal adds a
// fragment to the change label. A resource is queued for full retrieval when the
// server sent no entity tag, or when size or modification time moved while the
// entity tag stayed put. A rotated entity tag always produces a metadata update
// so the catalog tracks the latest tag.
package classifier

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"changedetect/packages/domain"
)

const (
	FragmentETag       = "etag"
	FragmentNoETag     = "no etag"
	FragmentSize       = "size"
	FragmentNoSize     = "no size"
	FragmentModified   = "modified"
	FragmentNoModified = "no modified"

	labelSeparator = "|"
)

var ErrUnknownResource = errors.New("probe outcome for unknown resource")

// StatusLabels names the non-200 statuses worth a readable label. Anything not
// listed falls back to "status <code>".
var StatusLabels = map[int]string{
	domain.StatusTransportFailure:  "no response",
	http.StatusBadRequest:          "bad request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not found",
	http.StatusMethodNotAllowed:    "head not allowed",
	http.StatusGone:                "gone",
	http.StatusTooManyRequests:     "too many requests",
	http.StatusInternalServerError: "server error",
	http.StatusBadGateway:          "bad gateway",
	http.StatusServiceUnavailable:  "service unavailable",
	http.StatusGatewayTimeout:      "gateway timeout",
}

func StatusLabel(code int) string {
	if label, ok := StatusLabels[code]; ok {
		return label
	}
	return fmt.Sprintf("status %d", code)
}

// Result is produced once per detection cycle.
type Result struct {
	// Changes maps a change label to resource ids in outcome order.
	Changes *domain.Buckets[string]
	// Retrying maps the reason a resource needs a full retrieval to resource ids.
	Retrying      *domain.Buckets[string]
	ToRetrieve    map[string]domain.Resource
	RetrieveOrder []string
	ToUpdate      map[string]domain.MetadataUpdate
	UpdateOrder   []string
}

func newResult() *Result {
	return &Result{
		Changes:    domain.NewBuckets[string](),
		Retrying:   domain.NewBuckets[string](),
		ToRetrieve: make(map[string]domain.Resource),
		ToUpdate:   make(map[string]domain.MetadataUpdate),
	}
}

// Retrievals returns the resources to retrieve in the order they were queued.
func (r *Result) Retrievals() []domain.Resource {
	resources := make([]domain.Resource, 0, len(r.RetrieveOrder))
	for _, id := range r.RetrieveOrder {
		resources = append(resources, r.ToRetrieve[id])
	}
	return resources
}

// Updates returns the proposed metadata updates in the order they were recorded.
func (r *Result) Updates() []domain.MetadataUpdate {
	updates := make([]domain.MetadataUpdate, 0, len(r.UpdateOrder))
	for _, id := range r.UpdateOrder {
		updates = append(updates, r.ToUpdate[id])
	}
	return updates
}

func (r *Result) retrieve(resource domain.Resource, reason string) {
	if _, queued := r.ToRetrieve[resource.ID]; !queued {
		r.RetrieveOrder = append(r.RetrieveOrder, resource.ID)
	}
	r.ToRetrieve[resource.ID] = resource
	r.Retrying.Add(reason, resource.ID)
}

// Index keys resources by id for Classify.
func Index(resources []domain.Resource) map[string]domain.Resource {
	index := make(map[string]domain.Resource, len(resources))
	for _, resource := range resources {
		index[resource.ID] = resource
	}
	return index
}

// Classify processes outcomes in order. An outcome whose resource is missing from
// resources is a caller bug and aborts classification.
func Classify(outcomes []domain.ProbeOutcome, resources map[string]domain.Resource) (*Result, error) {
	result := newResult()
	for _, outcome := range outcomes {
		resource, ok := resources[outcome.ResourceID]
		if !ok {
			return nil, fmt.Errorf("classifying %q: %w", outcome.ResourceID, ErrUnknownResource)
		}
		if outcome.StatusCode != http.StatusOK {
			classifyStatus(result, outcome, resource)
			continue
		}
		classifyMetadata(result, outcome, resource)
	}
	return result, nil
}

func classifyStatus(result *Result, outcome domain.ProbeOutcome, resource domain.Resource) {
	switch outcome.StatusCode {
	case http.StatusForbidden, http.StatusTooManyRequests:
		// The host may reject HEAD or be rate limiting; only a full GET can tell.
		result.retrieve(resource, strconv.Itoa(outcome.StatusCode))
	}
	result.Changes.Add(StatusLabel(outcome.StatusCode), resource.ID)
}

func classifyMetadata(result *Result, outcome domain.ProbeOutcome, resource domain.Resource) {
	var fragments []string
	var reason string
	retrieve := false
	etagUnchanged := true

	if outcome.ETag != nil {
		if !equalString(outcome.ETag, resource.StoredETag) {
			fragments = append(fragments, FragmentETag)
			etagUnchanged = false
		}
	} else {
		reason = FragmentNoETag
		fragments = append(fragments, FragmentNoETag)
		retrieve = true
	}

	if outcome.Size != nil {
		if !equalInt64(outcome.Size, resource.StoredSize) {
			reason = FragmentSize
			fragments = append(fragments, FragmentSize)
			if etagUnchanged {
				retrieve = true
			}
		}
	} else {
		fragments = append(fragments, FragmentNoSize)
	}

	if outcome.Modified != nil {
		if !equalTime(outcome.Modified, resource.StoredModified) {
			reason = FragmentModified
			fragments = append(fragments, FragmentModified)
			if etagUnchanged {
				retrieve = true
			}
		}
	} else {
		fragments = append(fragments, FragmentNoModified)
	}

	result.Changes.Add(strings.Join(fragments, labelSeparator), resource.ID)
	if retrieve {
		result.retrieve(resource, reason)
	}
	if !etagUnchanged {
		if _, recorded := result.ToUpdate[resource.ID]; !recorded {
			result.UpdateOrder = append(result.UpdateOrder, resource.ID)
		}
		result.ToUpdate[resource.ID] = domain.MetadataUpdate{
			ResourceID: resource.ID,
			Size:       outcome.Size,
			Modified:   outcome.Modified,
			ETag:       outcome.ETag,
		}
	}
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalInt64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
