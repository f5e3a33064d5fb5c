package metrics

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus/push"
)

// DefaultJob is the Pushgateway job name of load runs.
const DefaultJob = "finance_warehouse_loader"

// Pusher sends the registry to a Prometheus Pushgateway after each run.
type Pusher struct {
	endpoint string
	job      string
	grouping map[string]string
}

// NewPusher returns a pusher, or nil when endpoint is empty.
func NewPusher(endpoint, job string, grouping map[string]string) *Pusher {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}
	if strings.TrimSpace(job) == "" {
		job = DefaultJob
	}
	return &Pusher{endpoint: endpoint, job: job, grouping: grouping}
}

// Push replaces the job's metrics on the Pushgateway. A nil Pusher is a no-op.
func (p *Pusher) Push(ctx context.Context, m *Metrics) error {
	if p == nil || m == nil {
		return nil
	}
	if p.job == "" {
		return errors.New("pushgateway job is required")
	}

	pusher := push.New(p.endpoint, p.job).Gatherer(m.registry)
	for key, value := range p.grouping {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		pusher = pusher.Grouping(key, value)
	}
	return pusher.PushContext(ctx)
}
