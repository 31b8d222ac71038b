package transfer

import (
	"context"

	"github.com/italolelis/rangefetch/internal/telemetry"
)

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	client    *Client
	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented source client.
func NewInstrumentedClient(client *Client, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{
		client:    client,
		telemetry: tel,
	}
}

// Probe probes a resource with telemetry.
func (c *InstrumentedClient) Probe(ctx context.Context, url string, headers map[string]string) (*ResourceInfo, error) {
	var result *ResourceInfo

	err := c.telemetry.InstrumentFetch(ctx, "probe", func(ctx context.Context) error {
		var err error
		result, err = c.client.Probe(ctx, url, headers)

		return err
	})

	return result, err
}

// GetRange opens a ranged GET with telemetry. Only opening the response is measured;
// streaming the body is accounted for by the segment worker.
func (c *InstrumentedClient) GetRange(ctx context.Context, url string, headers map[string]string, start, end int64) (*RangeResponse, error) {
	var result *RangeResponse

	err := c.telemetry.InstrumentFetch(ctx, "range_get", func(ctx context.Context) error {
		var err error
		result, err = c.client.GetRange(ctx, url, headers, start, end)

		return err
	})

	return result, err
}
