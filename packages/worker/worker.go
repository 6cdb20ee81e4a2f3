// Package worker
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"changedetect/packages/classifier"
	"changedetect/packages/config"
	"changedetect/packages/domain"
	"changedetect/packages/grouper"
	"changedetect/packages/metrics"
	"changedetect/packages/queue"
	"changedetect/packages/report"
)

// Catalog is the store that knows which resources exist and what was last
// recorded about them.
type Catalog interface {
	LoadResources(ctx context.Context, limit int) ([]domain.Resource, error)
	EnqueueUpdates(updates []domain.MetadataUpdate)
}

// RetrievalSink receives the resources that need a full download.
type RetrievalSink interface {
	Push(ctx context.Context, jobs []queue.Job) (int64, error)
}

type Prober interface {
	Probe(ctx context.Context, groups *domain.Buckets[domain.Resource]) []domain.ProbeOutcome
}

type Worker struct {
	cfg     config.Config
	catalog Catalog
	sink    RetrievalSink
	prober  Prober
}

func New(cfg config.Config, catalog Catalog, sink RetrievalSink, prober Prober) *Worker {
	return &Worker{
		cfg:     cfg,
		catalog: catalog,
		sink:    sink,
		prober:  prober,
	}
}

// RunCycle checks every catalogued resource once. Errors from grouping or
// classification mean the catalog handed over inconsistent data and the cycle
// stops before anything is written.
func (w *Worker) RunCycle(ctx context.Context) (*classifier.Result, error) {
	resources, err := w.catalog.LoadResources(ctx, w.cfg.CatalogLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load resources: %w", err)
	}

	groups, err := grouper.Group(resources)
	if err != nil {
		return nil, fmt.Errorf("catalog returned invalid resources: %w", err)
	}
	hosts := grouper.Hosts(groups)
	slog.Info("Probing resources", "count", len(resources), "hosts", len(hosts), "unresolved", len(groups.Get(grouper.UnknownHost)))

	outcomes := w.prober.Probe(ctx, groups)
	result, err := classifier.Classify(outcomes, classifier.Index(resources))
	if err != nil {
		return nil, fmt.Errorf("classification failed: %w", err)
	}

	metrics.ResourcesChecked.Set(float64(len(outcomes)))
	for _, label := range result.Changes.Keys() {
		metrics.ChangesTotal.WithLabelValues(metrics.ChangeCategory(label)).Add(float64(len(result.Changes.Get(label))))
	}
	report.Log(slog.Default(), result)

	w.catalog.EnqueueUpdates(result.Updates())

	jobs := retrievalJobs(result)
	if len(jobs) == 0 {
		return result, nil
	}
	if _, err := w.sink.Push(ctx, jobs); err != nil {
		return result, fmt.Errorf("failed to queue retrievals: %w", err)
	}
	metrics.RetrievalsQueued.Add(float64(len(jobs)))
	return result, nil
}

// retrievalJobs spreads the retrievals across hosts so the downloader does not
// start with a long run against one server.
func retrievalJobs(result *classifier.Result) []queue.Job {
	reasons := make(map[string]string, len(result.ToRetrieve))
	for _, reason := range result.Retrying.Keys() {
		for _, id := range result.Retrying.Get(reason) {
			reasons[id] = reason
		}
	}

	resources := grouper.Distribute(result.Retrievals())
	jobs := make([]queue.Job, 0, len(resources))
	for _, resource := range resources {
		jobs = append(jobs, queue.Job{ID: resource.ID, URL: resource.URL, Reason: reasons[resource.ID]})
	}
	return jobs
}

// IsContractViolation reports whether err means the catalog handed over data the
// detector cannot trust. Such a run must stop rather than be retried.
func IsContractViolation(err error) bool {
	return errors.Is(err, grouper.ErrMissingURL) ||
		errors.Is(err, grouper.ErrDuplicateID) ||
		errors.Is(err, classifier.ErrUnknownResource)
}
