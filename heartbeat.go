package main

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// startHeartbeatProducer runs the periodic self-notification loop: on each
// tick it pushes a heartbeat Signal into the heartbeat lane's queue, and the
// dispatcher turns it into a run. The producer has no harness dependency.
//
// Two modes, daily time taking precedence:
//
//	HeartbeatTime "17:00"  fire daily at this local time
//	HeartbeatInterval      fire every interval (0 disables)
func startHeartbeatProducer(ctx context.Context, cfg Config, queue *SignalQueue) error {
	publish := func() {
		queue.Push(Signal{
			ID:        uuid.NewString(),
			Kind:      SignalSelfNotification,
			Source:    "heartbeat",
			Timestamp: time.Now(),
		})
		log.Printf("heartbeat: signal queued")
	}

	// Daily mode: fire at an exact local time.
	if cfg.HeartbeatTime != "" {
		hour, min, err := parseClock(cfg.HeartbeatTime)
		if err != nil {
			log.Printf("heartbeat: %v, disabling", err)
			return nil
		}
		log.Printf("heartbeat: daily mode, fires at %02d:%02d", hour, min)
		for {
			now := time.Now()
			next := time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, now.Location())
			if !next.After(now) {
				next = next.Add(24 * time.Hour)
			}
			delay := time.Until(next)
			log.Printf("heartbeat: next run in %v (at %s)", delay.Round(time.Second), next.Format("2006-01-02 15:04 MST"))
			select {
			case <-ctx.Done():
				log.Printf("heartbeat: stopped")
				return nil
			case <-time.After(delay):
			}
			publish()
		}
	}

	// Interval mode.
	if cfg.HeartbeatInterval <= 0 {
		log.Printf("heartbeat: disabled")
		return nil
	}
	log.Printf("heartbeat: interval mode, every %v", cfg.HeartbeatInterval)
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("heartbeat: stopped")
			return nil
		case <-ticker.C:
			publish()
		}
	}
}

// parseClock validates an "HH:MM" wall-clock string.
func parseClock(s string) (hour, min int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid heartbeat time %q (expected HH:MM)", s)
	}
	hour, errH := strconv.Atoi(parts[0])
	min, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || hour < 0 || hour > 23 || min < 0 || min > 59 {
		return 0, 0, fmt.Errorf("invalid heartbeat time %q", s)
	}
	return hour, min, nil
}
