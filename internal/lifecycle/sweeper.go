package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simples3/simples3/internal/engine"
)

// MultipartSweeper periodically aborts multipart uploads that were
// initiated longer than maxAge ago and never completed, freeing their part
// files and records.
type MultipartSweeper struct {
	engine   *engine.ObjectService
	interval time.Duration
	maxAge   time.Duration
	logger   *zap.SugaredLogger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewMultipartSweeper(eng *engine.ObjectService, interval, maxAge time.Duration, logger *zap.SugaredLogger) *MultipartSweeper {
	return &MultipartSweeper{engine: eng, interval: interval, maxAge: maxAge, logger: logger, stopCh: make(chan struct{})}
}

// Start runs the sweep loop in a background goroutine. A zero interval
// disables the sweeper entirely.
func (s *MultipartSweeper) Start() {
	if s.interval <= 0 {
		s.logger.Info("multipart sweeper disabled")
		return
	}
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("multipart sweeper started", "interval", s.interval, "maxAge", s.maxAge)
}

func (s *MultipartSweeper) Stop() {
	if s.interval <= 0 {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("multipart sweeper stopped")
}

func (s *MultipartSweeper) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepAll()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MultipartSweeper) sweepAll() {
	ctx := context.Background()
	buckets, err := s.engine.ListBuckets(ctx)
	if err != nil {
		s.logger.Errorw("multipart sweep: failed to list buckets", "error", err)
		return
	}
	cutoff := time.Now().Add(-s.maxAge).Unix()
	for _, b := range buckets {
		s.sweepBucket(ctx, b.Name, cutoff)
	}
}

func (s *MultipartSweeper) sweepBucket(ctx context.Context, bucket string, cutoff int64) {
	uploads, err := s.engine.ListMultipartUploads(ctx, bucket)
	if err != nil {
		s.logger.Errorw("multipart sweep: failed to list uploads", "bucket", bucket, "error", err)
		return
	}
	for _, u := range uploads {
		if u.Initiated > cutoff {
			continue
		}
		if err := s.engine.AbortMultipartUpload(ctx, u.UploadID); err != nil {
			s.logger.Errorw("multipart sweep: failed to abort stale upload", "bucket", bucket, "uploadID", u.UploadID, "error", err)
			continue
		}
		s.logger.Infow("aborted stale multipart upload", "bucket", bucket, "key", u.Key, "uploadID", u.UploadID)
	}
}
