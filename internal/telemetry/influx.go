package telemetry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/cenkalti/backoff/v4"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	"github.com/banshee-data/zone-irrigation/internal/monitoring"
	"github.com/banshee-data/zone-irrigation/internal/timeutil"
)

// Writer is the blocking write half of an InfluxDB client.
type Writer interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxConfig locates an InfluxDB v2 bucket.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// DialInflux returns a blocking writer for cfg and a function that releases
// the client.
func DialInflux(cfg InfluxConfig) (Writer, func(), error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, nil, errors.New("influx config incomplete")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return client.WriteAPIBlocking(cfg.Org, cfg.Bucket), client.Close, nil
}

// InfluxOptions tunes batching and retry. Zero values select defaults.
type InfluxOptions struct {
	// SiteTags are added to every point, e.g. location and controller.
	SiteTags map[string]string
	// FlushInterval bounds how long a point waits in a batch. Default 60s.
	FlushInterval time.Duration
	// MaxPoints flushes a batch early once it holds this many points, and
	// bounds the queue. Default 100.
	MaxPoints int
	// Retries is the number of write attempts per batch. Default 10.
	Retries int
	// RetryInterval spaces write attempts. Default 200ms.
	RetryInterval time.Duration

	Clock   timeutil.Clock
	Metrics *monitoring.Metrics
}

func (o InfluxOptions) withDefaults() InfluxOptions {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 60 * time.Second
	}
	if o.MaxPoints <= 0 {
		o.MaxPoints = 100
	}
	if o.Retries <= 0 {
		o.Retries = 10
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 200 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// InfluxSink batches points and writes them from its own goroutine. When
// the queue is full the oldest queued point is dropped. A batch that still
// fails after all retries is dropped with an error log, and a circuit
// breaker skips writes entirely while the store keeps failing.
type InfluxSink struct {
	writer  Writer
	opts    InfluxOptions
	queue   chan Point
	breaker *gobreaker.CircuitBreaker
}

// NewInfluxSink returns a sink writing through w. Call Run to start it.
func NewInfluxSink(w Writer, opts InfluxOptions) *InfluxSink {
	opts = opts.withDefaults()
	return &InfluxSink{
		writer: w,
		opts:   opts,
		queue:  make(chan Point, opts.MaxPoints),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "influx",
			Timeout: 5 * opts.FlushInterval,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				monitoring.Logf("telemetry: %s breaker %s -> %s", name, from, to)
			},
		}),
	}
}

// Send implements Sink.
func (s *InfluxSink) Send(p Point) {
	for i := 0; i < 2; i++ {
		select {
		case s.queue <- p:
			return
		default:
		}
		select {
		case <-s.queue:
			s.opts.Metrics.ObserveDropped(1)
		default:
		}
	}
	s.opts.Metrics.ObserveDropped(1)
}

// Run batches and flushes until ctx is done, then flushes what is left.
func (s *InfluxSink) Run(ctx context.Context) {
	ticker := s.opts.Clock.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Point, 0, s.opts.MaxPoints)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case p := <-s.queue:
					batch = append(batch, p)
					continue
				default:
				}
				break
			}
			// the run context is gone; give the final write its own deadline
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.flush(final, batch)
			cancel()
			return
		case p := <-s.queue:
			batch = append(batch, p)
			if len(batch) >= s.opts.MaxPoints {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C():
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *InfluxSink) flush(ctx context.Context, batch []Point) {
	if len(batch) == 0 {
		return
	}
	points := make([]*write.Point, 0, len(batch))
	for _, p := range batch {
		points = append(points, s.toInflux(p))
	}

	_, err := s.breaker.Execute(func() (any, error) {
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.RetryInterval), uint64(s.opts.Retries-1)),
			ctx,
		)
		return nil, backoff.RetryNotify(func() error {
			return s.writer.WritePoint(ctx, points...)
		}, policy, func(err error, _ time.Duration) {
			monitoring.Logf("telemetry: influx write failed: %v", err)
		})
	})
	if err != nil {
		s.opts.Metrics.ObserveDropped(len(batch))
		monitoring.Logf("telemetry: dropped %d points: %v", len(batch), fmt.Errorf("influx write: %w", err))
		return
	}
	monitoring.Debugf("telemetry: sent %d points to influx", len(batch))
}

func (s *InfluxSink) toInflux(p Point) *write.Point {
	tags := make(map[string]string, len(s.opts.SiteTags)+len(p.Tags))
	maps.Copy(tags, s.opts.SiteTags)
	maps.Copy(tags, p.Tags)
	return influxdb2.NewPoint(p.Measurement, tags, map[string]interface{}{"value": p.Value}, p.Time)
}
