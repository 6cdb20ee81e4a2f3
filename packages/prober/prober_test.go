package prober

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"changedetect/packages/domain"
	"changedetect/packages/grouper"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func group(t *testing.T, resources ...domain.Resource) *domain.Buckets[domain.Resource] {
	t.Helper()
	groups, err := grouper.Group(resources)
	require.NoError(t, err)
	return groups
}

func byID(outcomes []domain.ProbeOutcome) map[string]domain.ProbeOutcome {
	out := make(map[string]domain.ProbeOutcome, len(outcomes))
	for _, o := range outcomes {
		out[o.ResourceID] = o
	}
	return out
}

func TestProbeReadsMetadataHeaders(t *testing.T) {
	modified := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	var mu sync.Mutex
	var gotMethod, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotMethod = r.Method
		gotAgent = r.Header.Get("User-Agent")
		mu.Unlock()
		w.Header().Set("Content-Length", "100")
		w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(Config{PerHostConcurrency: 2, UserAgent: "changedetect-test", Timeout: 5 * time.Second})
	outcomes := d.Probe(context.Background(), group(t, domain.Resource{ID: "r1", URL: srv.URL + "/data.csv"}))

	require.Len(t, outcomes, 1)
	o := outcomes[0]
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodHead, gotMethod)
	assert.Equal(t, "changedetect-test", gotAgent)
	assert.Equal(t, "r1", o.ResourceID)
	assert.Equal(t, http.StatusOK, o.StatusCode)
	require.NotNil(t, o.Size)
	assert.EqualValues(t, 100, *o.Size)
	require.NotNil(t, o.Modified)
	assert.True(t, modified.Equal(*o.Modified))
	require.NotNil(t, o.ETag)
	assert.Equal(t, `"abc"`, *o.ETag)
}

func TestProbeMissingHeadersAreAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	outcomes := New(Config{PerHostConcurrency: 1, Timeout: 5 * time.Second}).
		Probe(context.Background(), group(t, domain.Resource{ID: "r1", URL: srv.URL}))

	require.Len(t, outcomes, 1)
	assert.Equal(t, http.StatusOK, outcomes[0].StatusCode)
	assert.Nil(t, outcomes[0].Size)
	assert.Nil(t, outcomes[0].Modified)
	assert.Nil(t, outcomes[0].ETag)
}

func TestProbeKeepsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"ignored"`)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	outcomes := New(Config{PerHostConcurrency: 1, Timeout: 5 * time.Second}).
		Probe(context.Background(), group(t, domain.Resource{ID: "r1", URL: srv.URL}))

	require.Len(t, outcomes, 1)
	assert.Equal(t, http.StatusTooManyRequests, outcomes[0].StatusCode)
}

func TestProbeTransportFailures(t *testing.T) {
	closed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	closedURL := closed.URL
	closed.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	d := New(Config{PerHostConcurrency: 2, Timeout: 50 * time.Millisecond})
	outcomes := d.Probe(context.Background(), group(t,
		domain.Resource{ID: "refused", URL: closedURL + "/gone.csv"},
		domain.Resource{ID: "timeout", URL: slow.URL + "/slow.csv"},
		domain.Resource{ID: "garbage", URL: "::::"},
		domain.Resource{ID: "noscheme", URL: "not a url"},
	))

	require.Len(t, outcomes, 4)
	for id, o := range byID(outcomes) {
		assert.Equal(t, domain.StatusTransportFailure, o.StatusCode, id)
		assert.Nil(t, o.Size, id)
		assert.Nil(t, o.Modified, id)
		assert.Nil(t, o.ETag, id)
	}
}

func TestProbeBoundsConcurrencyPerHost(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
	}))
	defer srv.Close()

	var resources []domain.Resource
	for i := 0; i < 12; i++ {
		resources = append(resources, domain.Resource{ID: fmt.Sprintf("r%d", i), URL: fmt.Sprintf("%s/%d", srv.URL, i)})
	}

	outcomes := New(Config{PerHostConcurrency: 3, Timeout: 5 * time.Second}).
		Probe(context.Background(), group(t, resources...))

	require.Len(t, outcomes, len(resources))
	assert.Len(t, byID(outcomes), len(resources))
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestProbeHostsProceedIndependently(t *testing.T) {
	aArrived, bArrived := make(chan struct{}), make(chan struct{})
	var aOnce, bOnce sync.Once
	var met atomic.Int32

	handler := func(mine chan struct{}, once *sync.Once, other chan struct{}) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			once.Do(func() { close(mine) })
			select {
			case <-other:
				met.Add(1)
			case <-time.After(2 * time.Second):
			}
		}
	}
	a := httptest.NewServer(handler(aArrived, &aOnce, bArrived))
	defer a.Close()
	b := httptest.NewServer(handler(bArrived, &bOnce, aArrived))
	defer b.Close()

	outcomes := New(Config{PerHostConcurrency: 1, Timeout: 5 * time.Second}).Probe(context.Background(), group(t,
		domain.Resource{ID: "a", URL: a.URL + "/a.csv"},
		domain.Resource{ID: "b", URL: b.URL + "/b.csv"},
	))

	require.Len(t, outcomes, 2)
	assert.EqualValues(t, 2, met.Load(), "a probe on one host should not wait for the other host")
}

func TestProbeSingleSlotHostKeepsOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	var resources []domain.Resource
	var want []string
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("r%d", i)
		want = append(want, id)
		resources = append(resources, domain.Resource{ID: id, URL: srv.URL + "/" + id})
	}

	outcomes := New(Config{PerHostConcurrency: 1, Timeout: 5 * time.Second}).
		Probe(context.Background(), group(t, resources...))

	var got []string
	for _, o := range outcomes {
		got = append(got, o.ResourceID)
	}
	assert.Equal(t, want, got)
}

func TestProbeWithPerHostRate(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	d := New(Config{PerHostConcurrency: 2, PerHostRate: 500, Timeout: 5 * time.Second})
	outcomes := d.Probe(context.Background(), group(t,
		domain.Resource{ID: "r1", URL: srv.URL + "/1"},
		domain.Resource{ID: "r2", URL: srv.URL + "/2"},
		domain.Resource{ID: "r3", URL: srv.URL + "/3"},
	))

	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.Equal(t, http.StatusOK, o.StatusCode)
	}
	assert.EqualValues(t, 3, hits.Load())
}

func TestProbeCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(Config{PerHostConcurrency: 1, PerHostRate: 1, Timeout: time.Second})
	outcomes := d.Probe(ctx, group(t,
		domain.Resource{ID: "r1", URL: srv.URL + "/1"},
		domain.Resource{ID: "r2", URL: srv.URL + "/2"},
	))

	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, domain.StatusTransportFailure, o.StatusCode)
	}
}

func TestParseSize(t *testing.T) {
	assert.Nil(t, parseSize(""))
	assert.Nil(t, parseSize("abc"))
	assert.Nil(t, parseSize("-4"))
	require.NotNil(t, parseSize(" 0 "))
	assert.EqualValues(t, 0, *parseSize("0"))
	assert.EqualValues(t, 1234567890123, *parseSize("1234567890123"))
}

func TestParseModified(t *testing.T) {
	assert.Nil(t, parseModified(""))
	assert.Nil(t, parseModified("yesterday"))
	got := parseModified("Sun, 06 Nov 1994 08:49:37 GMT")
	require.NotNil(t, got)
	assert.True(t, time.Date(1994, 11, 6, 8, 49, 37, 0, time.UTC).Equal(*got))
}
