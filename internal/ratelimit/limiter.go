// Package ratelimit applies per-class sliding-window request limits on top
// of httprate.
package ratelimit

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// Classes of limited operations.
const (
	ClassAuth           = "auth"
	ClassAPI            = "api"
	ClassVPNOperations  = "vpn_operations"
	ClassCertOperations = "cert_operations"
)

// DefaultMaxKeys bounds the number of tracked keys per class.
const DefaultMaxKeys = 10000

// Rule allows Limit events per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules returns the stock per-class thresholds.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ClassAuth:           {Limit: 5, Window: 5 * time.Minute},
		ClassAPI:            {Limit: 100, Window: 15 * time.Minute},
		ClassVPNOperations:  {Limit: 10, Window: time.Minute},
		ClassCertOperations: {Limit: 5, Window: time.Minute},
	}
}

type classLimiter struct {
	rule    Rule
	rl      *httprate.RateLimiter
	counter *Counter
}

// Limiter holds one httprate limiter per class. Unknown classes are never
// limited.
type Limiter struct {
	classes map[string]*classLimiter
}

// New creates a limiter. Rules with a non-positive limit or window are
// treated as absent.
func New(rules map[string]Rule, maxKeys int) *Limiter {
	l := &Limiter{classes: make(map[string]*classLimiter, len(rules))}
	for class, rule := range rules {
		if rule.Limit <= 0 || rule.Window <= 0 {
			continue
		}
		counter := NewCounter(maxKeys)
		l.classes[class] = &classLimiter{
			rule:    rule,
			counter: counter,
			rl: httprate.NewRateLimiter(rule.Limit, rule.Window,
				httprate.WithLimitCounter(counter),
				httprate.WithLimitHandler(writeRejected),
				httprate.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
					http.Error(w, err.Error(), http.StatusInternalServerError)
				}),
			),
		}
	}
	return l
}

// Rule returns the rule for class.
func (l *Limiter) Rule(class string) (Rule, bool) {
	c, ok := l.classes[class]
	if !ok {
		return Rule{}, false
	}
	return c.rule, true
}

// Sweep drops keys whose windows have fully passed in every class and
// returns how many were removed.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	for _, c := range l.classes {
		removed += c.counter.Sweep(now)
	}
	return removed
}

// Len returns the number of tracked keys across classes.
func (l *Limiter) Len() int {
	total := 0
	for _, c := range l.classes {
		total += c.counter.Len()
	}
	return total
}
