package task

import (
	"context"
	"time"
)

// QualityOfService ranks the urgency of a task for the transport.
type QualityOfService int

const (
	QoSDefault QualityOfService = iota
	QoSUserInteractive
	QoSUserInitiated
	QoSUtility
	QoSBackground
)

// ParseQualityOfService maps a configuration string to a class. Unknown
// names select QoSDefault.
func ParseQualityOfService(s string) QualityOfService {
	switch s {
	case "user_interactive":
		return QoSUserInteractive
	case "user_initiated":
		return QoSUserInitiated
	case "utility":
		return QoSUtility
	case "background":
		return QoSBackground
	}
	return QoSDefault
}

// Configuration carries the transport settings of a task.
type Configuration struct {
	AllowsCellularAccess bool
	IsLongLived          bool
	QualityOfService     QualityOfService
	// TimeoutForRequest bounds each non-streaming backend call.
	TimeoutForRequest time.Duration
	// TimeoutForResource bounds the whole task, transfers included.
	TimeoutForResource time.Duration
}

// DefaultConfiguration returns the settings used when none are given.
func DefaultConfiguration() Configuration {
	return Configuration{
		AllowsCellularAccess: true,
		IsLongLived:          false,
		QualityOfService:     QoSDefault,
		TimeoutForRequest:    60 * time.Second,
		TimeoutForResource:   7 * 24 * time.Hour,
	}
}

// RequestContext derives the context for one backend call.
func (c Configuration) RequestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.TimeoutForRequest <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.TimeoutForRequest)
}
