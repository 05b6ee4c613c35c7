// Package connectivity tracks online state and drives background sync.
package connectivity

import "time"

// BackgroundTaskProvider is the platform capability for deferred sync work.
// Platforms without background tasks inject NoopProvider; absence of the
// capability is normal and must never surface as an error.
type BackgroundTaskProvider interface {
	// Supported reports whether the platform can run background tasks.
	Supported() bool

	// RegisterOneShot asks the platform to wake the app once for the tag.
	RegisterOneShot(tag string) error

	// RegisterPeriodic asks the platform to wake the app repeatedly.
	RegisterPeriodic(tag string, interval time.Duration) error
}

// NoopProvider degrades every registration to a successful no-op.
type NoopProvider struct{}

func (NoopProvider) Supported() bool { return false }

func (NoopProvider) RegisterOneShot(tag string) error { return nil }

func (NoopProvider) RegisterPeriodic(tag string, interval time.Duration) error { return nil }
