package queue

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// Pacer implements the two-tier claim pacing: the first highSpeed claims
// of a round proceed immediately, later ones pass a rate limiter derived
// from the low-speed interval, plus a random jitter.
type Pacer struct {
	highSpeed int
	limiter   *rate.Limiter
	jitterMax time.Duration

	claims int
}

// NewPacer builds a pacer. A non-positive lowSpeedInterval disables the
// slow tier entirely.
func NewPacer(highSpeed int, lowSpeedInterval, jitterMax time.Duration) *Pacer {
	p := &Pacer{highSpeed: highSpeed, jitterMax: jitterMax}
	if lowSpeedInterval > 0 {
		p.limiter = rate.NewLimiter(rate.Every(lowSpeedInterval), 1)
	}
	return p
}

// Reconfigure applies a fresh configuration snapshot. Called between
// rounds, never during a drain.
func (p *Pacer) Reconfigure(highSpeed int, lowSpeedInterval, jitterMax time.Duration) {
	p.highSpeed = highSpeed
	p.jitterMax = jitterMax
	p.limiter = nil
	if lowSpeedInterval > 0 {
		p.limiter = rate.NewLimiter(rate.Every(lowSpeedInterval), 1)
	}
}

// StartRound resets the high-speed window.
func (p *Pacer) StartRound() {
	p.claims = 0
}

// Wait blocks until the next claim may proceed, or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	p.claims++
	if p.claims <= p.highSpeed || p.limiter == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if p.jitterMax > 0 {
		jitter := time.Duration(rand.Int63n(int64(p.jitterMax) + 1))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
