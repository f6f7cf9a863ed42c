package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/domains/telemetry/be/repo"
	"github.com/Opetushallitus/varda-reporting/platform/go/metrics"
	"github.com/Opetushallitus/varda-reporting/platform/go/middleware"
)

const (
	defaultSinkBuffer   = 1024
	defaultWriteTimeout = 5 * time.Second
	// drainTimeout bounds the flush of buffered records on shutdown.
	drainTimeout = 10 * time.Second
)

type SinkConfig struct {
	Store        repo.Store
	Buffer       int
	WriteTimeout time.Duration
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Sink queues request records for a background writer. Records arriving while the queue is
// full are dropped and counted.
type Sink struct {
	store        repo.Store
	inbox        chan repo.Request
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

var _ middleware.RecordSink = (*Sink)(nil)

func NewSink(cfg SinkConfig) *Sink {
	if cfg.Store == nil {
		panic("telemetry store is required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultSinkBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Sink{
		store:        cfg.Store,
		inbox:        make(chan repo.Request, cfg.Buffer),
		writeTimeout: cfg.WriteTimeout,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
}

// Record never blocks.
func (s *Sink) Record(rec middleware.RequestRecord) {
	select {
	case s.inbox <- repo.Request{
		Method:         rec.Method,
		URL:            rec.URL,
		URLTemplate:    rec.URLTemplate,
		ResponseCode:   rec.ResponseCode,
		PrincipalID:    rec.PrincipalID,
		ProviderOID:    rec.ProviderOID,
		SourceSystem:   rec.SourceSystem,
		ServiceAccount: rec.ServiceAccount,
		TargetKind:     rec.TargetKind,
		TargetID:       rec.TargetID,
		At:             rec.At,
	}:
	default:
		s.metrics.TelemetryDrop()
	}
}

// Run writes queued records until ctx is done, then flushes what is still buffered.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case rec := <-s.inbox:
			s.write(ctx, rec)
		}
	}
}

func (s *Sink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case rec := <-s.inbox:
			s.write(ctx, rec)
		default:
			return
		}
		if ctx.Err() != nil {
			s.logger.Warn("request telemetry left unflushed", zap.Int("records", len(s.inbox)))
			return
		}
	}
}

func (s *Sink) write(ctx context.Context, rec repo.Request) {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.store.Write(ctx, rec); err != nil {
		s.logger.Warn("write request telemetry",
			zap.String("principal_id", rec.PrincipalID),
			zap.String("url_template", rec.URLTemplate),
			zap.Error(err))
	}
}
