package breaker

import (
	"go.uber.org/zap"

	"yqhp/ml-orchestrator/internal/config"
	"yqhp/ml-orchestrator/internal/logger"
)

// Sampler reads a resource metric.
type Sampler func() (float64, error)

// MemoryBreaker trips when heap usage percent exceeds the threshold.
type MemoryBreaker struct {
	threshold func() int
	sample    Sampler
	logger    *zap.Logger
}

// NewMemoryBreaker creates a heap memory breaker. A nil sampler uses the
// runtime heap sampler.
func NewMemoryBreaker(threshold func() int, sample Sampler, log *zap.Logger) *MemoryBreaker {
	if sample == nil {
		sample = HeapUsedPercent
	}
	return &MemoryBreaker{threshold: threshold, sample: sample, logger: logger.Or(log, "breaker")}
}

func (b *MemoryBreaker) Name() string             { return MemoryBreakerName }
func (b *MemoryBreaker) Threshold() float64       { return float64(b.threshold()) }
func (b *MemoryBreaker) Sample() (float64, error) { return b.sample() }

func (b *MemoryBreaker) IsOpen() bool {
	return percentOpen(b, b.logger)
}

// NativeMemoryBreaker trips when system memory usage percent exceeds the
// threshold.
type NativeMemoryBreaker struct {
	threshold func() int
	sample    Sampler
	logger    *zap.Logger
}

// NewNativeMemoryBreaker creates a native memory breaker. A nil sampler uses
// the operating system memory sampler.
func NewNativeMemoryBreaker(threshold func() int, sample Sampler, log *zap.Logger) *NativeMemoryBreaker {
	if sample == nil {
		sample = NativeMemoryUsedPercent
	}
	return &NativeMemoryBreaker{threshold: threshold, sample: sample, logger: logger.Or(log, "breaker")}
}

func (b *NativeMemoryBreaker) Name() string             { return NativeMemoryBreakerName }
func (b *NativeMemoryBreaker) Threshold() float64       { return float64(b.threshold()) }
func (b *NativeMemoryBreaker) Sample() (float64, error) { return b.sample() }

func (b *NativeMemoryBreaker) IsOpen() bool {
	return percentOpen(b, b.logger)
}

// percentOpen treats a threshold of zero as disabled.
func percentOpen(b Breaker, log *zap.Logger) bool {
	threshold := b.Threshold()
	if threshold <= 0 {
		return false
	}
	used, err := b.Sample()
	if err != nil {
		log.Warn("failed to sample resource", zap.String("breaker", b.Name()), zap.Error(err))
		return false
	}
	return used > threshold
}

// DiskBreaker trips when free bytes on a path drop below the threshold.
// A threshold of zero disables it, even on a full disk.
type DiskBreaker struct {
	threshold func() int64
	path      func() string
	sample    func(path string) (uint64, error)
	logger    *zap.Logger
}

// NewDiskBreaker creates a disk breaker. A nil sampler uses statfs.
func NewDiskBreaker(threshold func() int64, path func() string, sample func(string) (uint64, error), log *zap.Logger) *DiskBreaker {
	if sample == nil {
		sample = DiskFreeBytes
	}
	return &DiskBreaker{threshold: threshold, path: path, sample: sample, logger: logger.Or(log, "breaker")}
}

func (b *DiskBreaker) Name() string       { return DiskBreakerName }
func (b *DiskBreaker) Threshold() float64 { return float64(b.threshold()) }

func (b *DiskBreaker) Sample() (float64, error) {
	free, err := b.sample(b.path())
	return float64(free), err
}

func (b *DiskBreaker) IsOpen() bool {
	threshold := b.threshold()
	if threshold <= 0 {
		return false
	}
	free, err := b.sample(b.path())
	if err != nil {
		b.logger.Warn("failed to sample disk", zap.String("path", b.path()), zap.Error(err))
		return false
	}
	return free < uint64(threshold)
}

// NewDefaultSet registers the memory, native memory and disk breakers, in
// that order, reading thresholds from live settings.
func NewDefaultSet(settings *config.Settings, log *zap.Logger) *Set {
	s := NewSet()
	s.Register(MemoryBreakerName, NewMemoryBreaker(settings.HeapThreshold, nil, log))
	s.Register(NativeMemoryBreakerName, NewNativeMemoryBreaker(settings.NativeMemoryThreshold, nil, log))
	s.Register(DiskBreakerName, NewDiskBreaker(settings.DiskFreeSpaceThreshold, settings.DiskPath, nil, log))
	return s
}
