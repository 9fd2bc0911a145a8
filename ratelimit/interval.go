// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"math"
	"sync/atomic"
	"time"
)

// Unlimited is the interval of a limiter that accepts every message. Both
// bridge directions use it for an unset or zero frequency.
const Unlimited time.Duration = 0

const never = math.MinInt64

// IntervalFor converts a publish frequency in Hz to the minimum interval
// between accepted messages. Non-positive frequencies mean Unlimited.
// Frequencies too low to represent saturate at the longest Duration.
func IntervalFor(frequency float64) time.Duration {
	if frequency <= 0 || math.IsNaN(frequency) || math.IsInf(frequency, 1) {
		return Unlimited
	}
	d := float64(time.Second) / frequency
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Interval accepts a message only if at least the configured interval has
// passed since the last accepted one. Rejected messages do not move the
// window. The first message is always accepted.
//
// The check and the timestamp update are one compare-and-swap, so two
// callbacks racing on the same window cannot both be accepted.
type Interval struct {
	interval time.Duration
	last     atomic.Int64
}

// NewInterval returns a limiter with the given minimum interval.
func NewInterval(interval time.Duration) *Interval {
	if interval < 0 {
		interval = Unlimited
	}
	l := &Interval{interval: interval}
	l.last.Store(never)
	return l
}

// NewFrequency returns a limiter for a publish frequency in Hz.
func NewFrequency(frequency float64) *Interval {
	return NewInterval(IntervalFor(frequency))
}

// TryAccept reports whether a message seen at now may be published and, if
// so, records now as the last accepted time.
func (l *Interval) TryAccept(now time.Time) bool {
	_, ok := l.Reserve(now)
	return ok
}

// Reserve is TryAccept for callers that may still fail to publish. On
// success the returned release restores the previous window, unless a
// later message has been accepted since. release is safe to call more
// than once.
func (l *Interval) Reserve(now time.Time) (release func(), ok bool) {
	ts := now.UnixNano()
	for {
		last := l.last.Load()
		if l.interval != Unlimited && last != never && ts-last < int64(l.interval) {
			return func() {}, false
		}
		if l.last.CompareAndSwap(last, ts) {
			return func() { l.last.CompareAndSwap(ts, last) }, true
		}
	}
}

// Interval returns the configured minimum interval.
func (l *Interval) Interval() time.Duration {
	return l.interval
}

// Unlimited reports whether the limiter accepts everything.
func (l *Interval) Unlimited() bool {
	return l.interval == Unlimited
}

// LastAccepted returns the time of the last accepted message.
func (l *Interval) LastAccepted() (time.Time, bool) {
	last := l.last.Load()
	if last == never {
		return time.Time{}, false
	}
	return time.Unix(0, last), true
}
