// Package monitor collects local diagnostics for the console's /status
// command: host CPU and load, the console process itself, and network
// throughput while a channel is open.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	gopsutilNet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	snapshotCacheTTL = 2 * time.Second
	speedWindow      = 6 * time.Second
	speedSamplesMax  = 10
)

type Snapshot struct {
	CPUUsage    float64   `json:"cpu_usage"`
	CPUCores    int       `json:"cpu_cores"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	Goroutines        int     `json:"goroutines"`
	ProcessRSSBytes   uint64  `json:"process_rss_bytes"`
	ProcessCPUPercent float64 `json:"process_cpu_percent"`

	NetworkBytesReceived uint64  `json:"network_bytes_received"`
	NetworkBytesSent     uint64  `json:"network_bytes_sent"`
	NetworkSpeedReceived float64 `json:"network_speed_received"`
	NetworkSpeedSent     float64 `json:"network_speed_sent"`

	Platform    string `json:"platform"`
	TimestampMs int64  `json:"timestamp_ms"`
}

type Service struct {
	log  *slog.Logger
	self *process.Process

	mu      sync.Mutex
	hasSnap bool
	snap    Snapshot
	at      time.Time

	speed *speedWindowBuf
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:   log,
		speed: newSpeedWindowBuf(speedSamplesMax, speedWindow),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.self = p
	} else {
		log.Warn("status: self process lookup failed", "error", err)
	}
	return s
}

// Snapshot returns current diagnostics. Results are cached briefly so a
// /status flood does not hammer the process table.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	if s == nil {
		return Snapshot{}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.at) < snapshotCacheTTL {
		out := s.snap
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collect(ctx)

	s.mu.Lock()
	s.snap = snap
	s.hasSnap = true
	s.at = now
	s.mu.Unlock()

	return snap
}

func (s *Service) collect(ctx context.Context) Snapshot {
	collectedAt := time.Now()
	snap := Snapshot{
		Platform:    runtime.GOOS,
		Goroutines:  runtime.NumGoroutine(),
		TimestampMs: collectedAt.UnixMilli(),
	}

	if usage, err := readCPUUsage(ctx); err == nil {
		snap.CPUUsage = usage
	} else {
		s.log.Warn("status: get cpu percent failed", "error", err)
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCores = cores
	} else {
		s.log.Warn("status: get cpu cores failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Warn("status: get load average failed", "error", err)
	}

	if s.self != nil {
		if memInfo, err := s.self.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
			snap.ProcessRSSBytes = memInfo.RSS
		}
		if p, err := s.self.CPUPercentWithContext(ctx); err == nil {
			snap.ProcessCPUPercent = p
		}
	}

	if ioStats, err := gopsutilNet.IOCountersWithContext(ctx, false); err == nil && len(ioStats) > 0 {
		snap.NetworkBytesReceived = ioStats[0].BytesRecv
		snap.NetworkBytesSent = ioStats[0].BytesSent

		s.speed.Add(speedSample{
			bytesReceived: ioStats[0].BytesRecv,
			bytesSent:     ioStats[0].BytesSent,
			at:            collectedAt,
		})
		snap.NetworkSpeedReceived, snap.NetworkSpeedSent = s.speed.Rate(collectedAt)
	} else if err != nil {
		s.log.Warn("status: get network io failed", "error", err)
	}

	return snap
}

func readCPUUsage(ctx context.Context) (float64, error) {
	var errs []error

	// Non-blocking: compare against the last call. Short-interval sampling
	// can return 0 on newer macOS versions due to coarse aggregated tick
	// updates.
	if p, err := cpu.PercentWithContext(ctx, 0, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}

	// Fallback: a short blocking interval to bootstrap lastTimes.
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, fmt.Errorf("cpu percent unavailable")
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// --- link throughput window ---

type speedSample struct {
	bytesReceived uint64
	bytesSent     uint64
	at            time.Time
}

// speedWindowBuf keeps the last few counter samples and derives an average
// rate over the window from the oldest and newest samples still inside it.
type speedWindowBuf struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	items  []speedSample
}

func newSpeedWindowBuf(max int, window time.Duration) *speedWindowBuf {
	if max <= 0 {
		max = speedSamplesMax
	}
	if window <= 0 {
		window = speedWindow
	}
	return &speedWindowBuf{max: max, window: window}
}

func (b *speedWindowBuf) Add(s speedSample) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, s)
	if len(b.items) > b.max {
		b.items = b.items[len(b.items)-b.max:]
	}
}

func (b *speedWindowBuf) Rate(now time.Time) (received float64, sent float64) {
	if b == nil {
		return 0, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	// Walk backwards to the oldest sample still inside the window.
	oldestIdx := -1
	for i := len(b.items) - 1; i >= 0; i-- {
		if now.Sub(b.items[i].at) > b.window {
			break
		}
		oldestIdx = i
	}
	if oldestIdx < 0 || oldestIdx == len(b.items)-1 {
		return 0, 0
	}

	oldest := b.items[oldestIdx]
	newest := b.items[len(b.items)-1]
	dt := newest.at.Sub(oldest.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}
	received = float64(newest.bytesReceived-oldest.bytesReceived) / dt
	sent = float64(newest.bytesSent-oldest.bytesSent) / dt
	return received, sent
}
