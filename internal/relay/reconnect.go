package relay

import (
	"math"
	"time"

	"github.com/alejoacosta74/busrelay/internal/logger"
)

// timer is the part of *time.Timer the reconnect scheduler uses.
type timer interface {
	Stop() bool
}

// afterFunc schedules f after d. Tests swap it for a manual clock.
type afterFunc func(d time.Duration, f func()) timer

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// maxBackoffDelay is where backoffDelay stops doubling.
const maxBackoffDelay = time.Duration(math.MaxInt64)

// backoffDelay returns base × 2^attempt, saturating at maxBackoffDelay.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt >= 63 || base > maxBackoffDelay>>uint(attempt) {
		return maxBackoffDelay
	}
	return base << uint(attempt)
}

// scheduleReconnectLocked arms the reconnect timer unless one is already
// pending or the attempts are exhausted. c.mu must be held.
func (c *Client) scheduleReconnectLocked() {
	if c.timer != nil || c.manualDisconnect {
		return
	}
	if c.attempt >= c.maxAttempts {
		c.exhausted = true
		c.logger.WithField("attempts", c.attempt).
			Error("Reconnection attempts exhausted, relay is down for this session; call Connect to retry")
		return
	}

	delay := backoffDelay(c.baseDelay, c.attempt)
	c.attempt++
	c.timerSeq++
	seq := c.timerSeq
	c.timer = c.after(delay, func() {
		c.reconnect(seq)
	})
	c.metrics.ReconnectScheduled(delay)
	c.logger.WithFields(logger.Fields{
		"attempt": c.attempt,
		"delay":   delay,
	}).Info("Scheduled reconnect")
}

// stopTimerLocked cancels a pending reconnect. c.mu must be held.
func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	// invalidates a callback that already fired but has not taken the lock
	c.timerSeq++
}

// reconnect is the timer callback. It only dials when the timer is still the
// current one and the client is still disconnected.
func (c *Client) reconnect(seq uint64) {
	c.mu.Lock()
	if seq != c.timerSeq {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	if c.state != StateDisconnected || c.manualDisconnect {
		c.mu.Unlock()
		c.logger.Debug("Skipping reconnect, client is no longer disconnected")
		return
	}
	gen := c.beginConnectLocked()
	attempt := c.attempt
	c.mu.Unlock()

	c.logger.WithField("attempt", attempt).Debug("Reconnecting")
	if err := c.dial(c.baseCtx, gen); err != nil {
		c.logger.Warnf("Reconnect failed: %v", err)
	}
}
