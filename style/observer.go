package style

import (
	"log/slog"
)

// Observer receives a snapshot after every optimization step. OnStep runs
// on the driver's goroutine and should return quickly.
type Observer interface {
	OnStep(s Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Snapshot)

func (f ObserverFunc) OnStep(s Snapshot) { f(s) }

// ChannelObserver forwards snapshots to a buffered channel, dropping them
// when the consumer falls behind.
type ChannelObserver struct {
	C       chan Snapshot
	dropped int
}

// NewChannelObserver creates a channel observer with the given buffer size.
func NewChannelObserver(bufferSize int) *ChannelObserver {
	return &ChannelObserver{C: make(chan Snapshot, bufferSize)}
}

func (o *ChannelObserver) OnStep(s Snapshot) {
	select {
	case o.C <- s:
	default:
		o.dropped++
	}
}

// Dropped is the number of snapshots discarded because the channel was full.
func (o *ChannelObserver) Dropped() int { return o.dropped }

// Close closes the channel. The observer must not be used afterwards.
func (o *ChannelObserver) Close() { close(o.C) }

// LogObserver logs the loss breakdown every Every steps.
type LogObserver struct {
	Logger *slog.Logger
	Every  int
}

func (o LogObserver) OnStep(s Snapshot) {
	if o.Every > 1 && s.Step%o.Every != 0 {
		return
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("step",
		"step", s.Step,
		"total", s.Losses.Total,
		"content", s.Losses.Content,
		"style", s.Losses.Style,
		"histogram", s.Losses.Histogram,
		"smoothness", s.Losses.Smoothness)
}
