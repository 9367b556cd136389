package ratelimit

import (
	"fmt"
	"time"
)

// Class is an operation class with its own request budget.
type Class string

const (
	ClassGeneral        Class = "general"
	ClassAuthentication Class = "authentication"
	ClassMutating       Class = "mutating"
	ClassBulk           Class = "bulk"
)

// Classes lists every operation class.
func Classes() []Class {
	return []Class{ClassGeneral, ClassAuthentication, ClassMutating, ClassBulk}
}

// ParseClass converts a configuration string to a Class.
func ParseClass(s string) (Class, error) {
	for _, c := range Classes() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown operation class %q", s)
}

// Limit is a sliding window budget.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

// Policy holds every tunable of the limiter.
type Policy struct {
	Limits map[Class]Limit

	// ViolationThreshold is the number of violations after which a client is
	// blocked for BlockDuration.
	ViolationThreshold int
	BlockDuration      time.Duration

	// Bodies above MaxBodyBytes are rejected and block the client for
	// OversizeBlockDuration.
	MaxBodyBytes          int64
	OversizeBlockDuration time.Duration
}

// DefaultPolicy returns the stock limits.
func DefaultPolicy() Policy {
	return Policy{
		Limits: map[Class]Limit{
			ClassGeneral:        {MaxRequests: 60, Window: time.Minute},
			ClassAuthentication: {MaxRequests: 10, Window: time.Minute},
			ClassMutating:       {MaxRequests: 30, Window: time.Minute},
			ClassBulk:           {MaxRequests: 5, Window: time.Minute},
		},
		ViolationThreshold:    5,
		BlockDuration:         5 * time.Minute,
		MaxBodyBytes:          1 << 20,
		OversizeBlockDuration: time.Minute,
	}
}

// Validate checks that every class has a usable limit.
func (p Policy) Validate() error {
	for _, c := range Classes() {
		l, ok := p.Limits[c]
		if !ok {
			return fmt.Errorf("missing limit for class %s", c)
		}
		if l.MaxRequests <= 0 {
			return fmt.Errorf("class %s: max requests must be positive", c)
		}
		if l.Window <= 0 {
			return fmt.Errorf("class %s: window must be positive", c)
		}
	}
	if p.ViolationThreshold <= 0 {
		return fmt.Errorf("violation threshold must be positive")
	}
	if p.BlockDuration <= 0 || p.OversizeBlockDuration <= 0 {
		return fmt.Errorf("block durations must be positive")
	}
	if p.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}
	return nil
}

func (p Policy) limitFor(c Class) Limit {
	if l, ok := p.Limits[c]; ok {
		return l
	}
	return p.Limits[ClassGeneral]
}

// retention is how long an idle client record has to be kept.
func (p Policy) retention() time.Duration {
	d := p.BlockDuration
	if p.OversizeBlockDuration > d {
		d = p.OversizeBlockDuration
	}
	for _, l := range p.Limits {
		if l.Window > d {
			d = l.Window
		}
	}
	return d
}
