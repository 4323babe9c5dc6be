// Package telemetry reports anonymous usage events for the engine: one
// event per completed Request (mode, cache hit, exit status, wall
// duration, error kind) so operators can see aggregate usage without a bespoke metrics
// pipeline. Grounded on api/internal/telemetry/telemetry.go's
// Service/NoopService/posthogService split, generalized from
// per-organization product analytics to per-Request execution events.
package telemetry

import (
	"github.com/posthog/posthog-go"

	"github.com/crucible-run/engine/internal/model"
)

// Service reports Request completions. Implementations must not block the
// caller on network I/O.
type Service interface {
	TrackRequest(resp *model.Response)
	Close()
}

// NoopService discards every event; the default when no API key is
// configured.
type NoopService struct{}

func (NoopService) TrackRequest(*model.Response) {}
func (NoopService) Close()                       {}

type posthogService struct {
	client posthog.Client
}

// New returns a posthog-backed Service, or a NoopService if apiKey is
// empty so telemetry stays strictly opt-in.
func New(apiKey, endpoint string) Service {
	if apiKey == "" {
		return NoopService{}
	}
	if endpoint == "" {
		endpoint = "https://app.posthog.com"
	}

	client, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: endpoint})
	if err != nil {
		return NoopService{}
	}
	return &posthogService{client: client}
}

func (s *posthogService) TrackRequest(resp *model.Response) {
	props := posthog.NewProperties().
		Set("mode", string(resp.ModeUsed)).
		Set("cache_hit", resp.CacheHit).
		Set("exit_status", resp.ExitStatus).
		Set("wall_duration_ms", resp.WallDuration.Milliseconds())
	if resp.ErrorKind != "" {
		props.Set("error_kind", string(resp.ErrorKind))
	}

	_ = s.client.Enqueue(posthog.Capture{
		DistinctId: resp.RequestID,
		Event:      "request_completed",
		Properties: props,
	})
}

func (s *posthogService) Close() {
	_ = s.client.Close()
}
