package ratelimit

import (
	"sync"
	"time"

	"llm-tunnel/internal/config"
	"llm-tunnel/internal/domain"
)

// Detector runs the periodic traffic-pattern analysis over every tracked
// address. It is deliberately blunt: on detection it blocks all
// currently-suspicious addresses and tightens the global default quota,
// trading precision for guaranteed containment. Both effects are
// reversible when the pattern clears.
type Detector struct {
	limiter *AddressLimiter
	logger  domain.Logger

	window        time.Duration
	checkInterval time.Duration
	minAddresses  int
	minRequests   int64
	minSuspicious int
	meanRPM       float64

	mu      sync.RWMutex
	verdict domain.DDoSVerdict
}

// NewDetector builds a detector bound to the address limiter. The caller
// starts it with run.
func NewDetector(limiter *AddressLimiter, cfg *config.Config, logger domain.Logger) *Detector {
	return &Detector{
		limiter:       limiter,
		logger:        logger,
		window:        cfg.DDoSWindow,
		checkInterval: cfg.DDoSCheckInterval,
		minAddresses:  cfg.DDoSMinAddresses,
		minRequests:   cfg.DDoSMinRequests,
		minSuspicious: cfg.DDoSMinSuspicious,
		meanRPM:       cfg.DDoSMeanRPM,
	}
}

// Verdict returns the latest analysis output.
func (d *Detector) Verdict() domain.DDoSVerdict {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.verdict
}

func (d *Detector) run(stop <-chan struct{}) {
	ticker := time.NewTicker(d.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.Analyze()
		case <-stop:
			return
		}
	}
}

// Analyze takes one sliding-window snapshot, updates the verdict and
// toggles protection. Exported so tests can drive it without the ticker.
func (d *Detector) Analyze() domain.DDoSVerdict {
	active, total, suspicious := d.limiter.trafficSnapshot(d.window)

	mean := 0.0
	if active > 0 {
		mean = float64(total) / float64(active)
	}

	// Every heuristic except the suspicious count requires breadth: a
	// single address producing any volume is the per-address limiter's
	// problem, not an attack pattern.
	broad := active >= d.minAddresses
	attack := (broad && total >= d.minRequests) ||
		suspicious >= d.minSuspicious ||
		(broad && mean >= d.meanRPM)

	d.mu.Lock()
	wasActive := d.verdict.Active
	verdict := domain.DDoSVerdict{
		Active:            attack,
		ActiveAddresses:   active,
		WindowRequests:    total,
		SuspiciousCount:   suspicious,
		MeanRequestsPerIP: mean,
		Since:             d.verdict.Since,
	}
	if attack && !wasActive {
		verdict.Since = d.limiter.now()
	}
	if !attack {
		verdict.Since = time.Time{}
	}
	d.verdict = verdict
	d.mu.Unlock()

	if attack && !wasActive {
		blocked := d.limiter.blockSuspicious()
		d.limiter.setLockdown(true)
		d.logger.Warn("DDoS protection activated", map[string]interface{}{
			"active_addresses":  active,
			"window_requests":   total,
			"suspicious_count":  suspicious,
			"mean_rpm":          mean,
			"blocked_addresses": blocked,
		})
	} else if !attack && wasActive {
		d.limiter.setLockdown(false)
		d.logger.Info("DDoS protection deactivated", map[string]interface{}{
			"active_addresses": active,
			"window_requests":  total,
		})
	}

	return verdict
}
