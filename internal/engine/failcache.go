package engine

import (
	"strings"
	"time"
)

type FailureKind int

const (
	FailureBusiness FailureKind = iota
	FailureNetwork
)

func (k FailureKind) String() string {
	if k == FailureNetwork {
		return "network"
	}
	return "business"
}

var networkKeywords = []string{
	"timeout", "timed out", "connection", "502", "503", "504", "gateway",
	"eof", "reset", "too fast", "rate limit", "频繁", "太快", "超时", "网络",
}

// ClassifyFailure derives the failure kind from a provider message.
func ClassifyFailure(msg string) FailureKind {
	m := strings.ToLower(msg)
	for _, k := range networkKeywords {
		if strings.Contains(m, k) {
			return FailureNetwork
		}
	}
	return FailureBusiness
}

type failureEntry struct {
	kind FailureKind
	at   time.Time
	msg  string
}

// PairFailureCache remembers recent per-pair submit failures within one run.
type PairFailureCache struct {
	entries map[Pair]failureEntry
}

func NewPairFailureCache() *PairFailureCache {
	return &PairFailureCache{entries: map[Pair]failureEntry{}}
}

func (c *PairFailureCache) Record(p Pair, kind FailureKind, at time.Time, msg string) {
	c.entries[p] = failureEntry{kind: kind, at: at, msg: msg}
}

func (c *PairFailureCache) Forget(p Pair) {
	delete(c.entries, p)
}

// Blocked reports a business failure younger than cooldown.
func (c *PairFailureCache) Blocked(p Pair, now time.Time, cooldown time.Duration) bool {
	e, ok := c.entries[p]
	return ok && e.kind == FailureBusiness && now.Sub(e.at) < cooldown
}

// Flagged reports a network failure younger than ttl.
func (c *PairFailureCache) Flagged(p Pair, now time.Time, ttl time.Duration) bool {
	e, ok := c.entries[p]
	return ok && e.kind == FailureNetwork && now.Sub(e.at) < ttl
}

// Prune drops entries older than ttl.
func (c *PairFailureCache) Prune(now time.Time, ttl time.Duration) {
	for p, e := range c.entries {
		if now.Sub(e.at) >= ttl {
			delete(c.entries, p)
		}
	}
}

func (c *PairFailureCache) Len() int { return len(c.entries) }
