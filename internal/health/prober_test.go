package health

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"SentientExchange/internal/registry"
)

// countingTransport 统计同时在途的请求数量。
type countingTransport struct {
	mu       sync.Mutex
	inflight int32
	peak     int32
	respond  func(req *http.Request) (*http.Response, error)
}

func (t *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	current := atomic.AddInt32(&t.inflight, 1)
	t.mu.Lock()
	if current > t.peak {
		t.peak = current
	}
	t.mu.Unlock()
	defer atomic.AddInt32(&t.inflight, -1)

	// 留出窗口让批内请求真正并发。
	time.Sleep(10 * time.Millisecond)
	return t.respond(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func makeServices(n int) []*registry.ServiceDescriptor {
	services := make([]*registry.ServiceDescriptor, n)
	for i := range services {
		services[i] = &registry.ServiceDescriptor{
			ID:        fmt.Sprintf("svc-%d", i),
			HealthURL: fmt.Sprintf("http://svc-%d.internal/health", i),
		}
	}
	return services
}

func TestProbeManyRespectsConcurrencyCeiling(t *testing.T) {
	transport := &countingTransport{
		respond: func(*http.Request) (*http.Response, error) {
			return jsonResponse(http.StatusOK, `{"status":"healthy"}`), nil
		},
	}
	prober := NewProber(&http.Client{Transport: transport})

	results := prober.ProbeMany(context.Background(), makeServices(25), Options{MaxConcurrent: 10})
	if len(results) != 25 {
		t.Fatalf("expected 25 results, got %d", len(results))
	}
	for _, result := range results {
		if result.Status != StatusHealthy {
			t.Fatalf("service %s: expected healthy, got %s (%s)", result.ServiceID, result.Status, result.Detail)
		}
	}
	if transport.peak > 10 {
		t.Fatalf("expected at most 10 requests in flight, observed %d", transport.peak)
	}
}

func TestProbeClassification(t *testing.T) {
	cases := []struct {
		name     string
		respond  func(*http.Request) (*http.Response, error)
		expected Status
	}{
		{
			name: "status healthy",
			respond: func(*http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusOK, `{"status":"healthy"}`), nil
			},
			expected: StatusHealthy,
		},
		{
			name: "status ok",
			respond: func(*http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusOK, `{"status":"ok"}`), nil
			},
			expected: StatusHealthy,
		},
		{
			name: "healthy flag",
			respond: func(*http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusOK, `{"healthy":true}`), nil
			},
			expected: StatusHealthy,
		},
		{
			name: "healthy false",
			respond: func(*http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusOK, `{"healthy":false}`), nil
			},
			expected: StatusUnhealthy,
		},
		{
			name: "non-2xx",
			respond: func(*http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusInternalServerError, `{}`), nil
			},
			expected: StatusUnhealthy,
		},
		{
			name: "connection failure",
			respond: func(*http.Request) (*http.Response, error) {
				return nil, fmt.Errorf("connection refused")
			},
			expected: StatusUnhealthy,
		},
		{
			name: "undeclared shape",
			respond: func(*http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusOK, `{"uptime":42}`), nil
			},
			expected: StatusUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prober := NewProber(&http.Client{Transport: &countingTransport{respond: tc.respond}})
			result := prober.ProbeOne(context.Background(),
				&registry.ServiceDescriptor{ID: "svc", HealthURL: "http://svc.internal/health"}, time.Second)
			if result.Status != tc.expected {
				t.Fatalf("expected %s, got %s (%s)", tc.expected, result.Status, result.Detail)
			}
		})
	}
}

func TestProbeWithoutHealthURLIsUnknown(t *testing.T) {
	prober := NewProber(nil)
	result := prober.ProbeOne(context.Background(), &registry.ServiceDescriptor{ID: "svc"}, time.Second)
	if result.Status != StatusUnknown {
		t.Fatalf("expected unknown for undeclared endpoint, got %s", result.Status)
	}
}

func TestAllFailed(t *testing.T) {
	if AllFailed(nil) {
		t.Fatalf("empty result set must not count as all-failed")
	}
	allDown := []Result{{Status: StatusUnhealthy}, {Status: StatusUnhealthy}}
	if !AllFailed(allDown) {
		t.Fatalf("expected all-failed for uniformly unhealthy results")
	}
	// unknown 仍视为可用。
	mixed := []Result{{Status: StatusUnhealthy}, {Status: StatusUnknown}}
	if AllFailed(mixed) {
		t.Fatalf("unknown results must keep the pool usable")
	}
}
