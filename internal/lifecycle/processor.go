package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simples3/simples3/internal/engine"
	"github.com/simples3/simples3/internal/metadata"
	"github.com/simples3/simples3/internal/telemetry"
)

// Scanner periodically evaluates every bucket's lifecycle configuration
// against its objects and deletes whatever has expired.
type Scanner struct {
	engine   *engine.ObjectService
	interval time.Duration
	logger   *zap.SugaredLogger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewScanner(eng *engine.ObjectService, interval time.Duration, logger *zap.SugaredLogger) *Scanner {
	return &Scanner{engine: eng, interval: interval, logger: logger, stopCh: make(chan struct{})}
}

// Start runs the scan loop in a background goroutine. The first scan
// happens one interval after Start, not immediately — a freshly started
// server shouldn't spend its first moments walking every bucket.
func (p *Scanner) Start() {
	p.wg.Add(1)
	go p.run()
	p.logger.Infow("lifecycle scanner started", "interval", p.interval)
}

func (p *Scanner) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("lifecycle scanner stopped")
}

// RunOnce performs a single scan synchronously, without waiting for the
// ticker. Used by tests that need a deterministic scan point.
func (p *Scanner) RunOnce() {
	p.scanAll()
}

func (p *Scanner) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.scanAll()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Scanner) scanAll() {
	start := time.Now()
	defer func() { telemetry.LifecycleScanDuration.Observe(time.Since(start).Seconds()) }()

	ctx := context.Background()
	buckets, err := p.engine.ListBuckets(ctx)
	if err != nil {
		p.logger.Errorw("lifecycle scan: failed to list buckets", "error", err)
		return
	}
	for _, b := range buckets {
		p.scanBucket(ctx, b.Name)
	}
}

func (p *Scanner) scanBucket(ctx context.Context, bucket string) {
	raw, err := p.engine.GetBucketLifecycle(ctx, bucket)
	if err != nil {
		return // no lifecycle configuration for this bucket
	}
	cfg, err := Parse(raw)
	if err != nil {
		p.logger.Warnw("stored lifecycle configuration failed to parse", "bucket", bucket, "error", err)
		return
	}

	now := time.Now()
	var continuationToken string
	for {
		res, err := p.engine.ListObjects(ctx, bucket, metadata.ListOptions{MaxKeys: 1000, ContinuationToken: continuationToken})
		if err != nil {
			p.logger.Errorw("lifecycle scan: failed to list objects", "bucket", bucket, "error", err)
			return
		}
		for _, obj := range res.Objects {
			p.applyRules(ctx, cfg, bucket, obj, now)
		}
		if !res.IsTruncated {
			return
		}
		continuationToken = res.NextContinuationToken
	}
}

func (p *Scanner) applyRules(ctx context.Context, cfg *Config, bucket string, obj *metadata.Object, now time.Time) {
	for _, rule := range cfg.Rules {
		if rule.Status != "Enabled" {
			continue
		}
		tags, _ := p.engine.GetObjectTags(ctx, bucket, obj.Key)
		if !rule.Matches(obj.Key, tags) {
			continue
		}
		if !rule.Expired(obj.CreatedAt, now) {
			continue
		}
		if err := p.engine.DeleteObject(ctx, bucket, obj.Key); err != nil {
			p.logger.Errorw("lifecycle scan: failed to delete expired object", "bucket", bucket, "key", obj.Key, "error", err)
			continue
		}
		telemetry.LifecycleExpiredTotal.Inc()
		p.logger.Infow("lifecycle expired object deleted", "bucket", bucket, "key", obj.Key, "rule", rule.ID)
		return
	}
}
