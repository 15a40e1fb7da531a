package stream

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/BertilJ/bmw-data/internal/pkg/metrics"
	"github.com/BertilJ/bmw-data/pkg/log"
)

// Lifecycle states of the telemetry subscriber. StateIdle is the state
// before the first connection attempt; StateStopped is terminal.
const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StateConnected  = "connected"
	StateBackoff    = "backoff"
	StateStopped    = "stopped"
)

const (
	// eventConnect starts a connection attempt.
	eventConnect = "event_connect"
	// eventEstablished records a successful CONNACK and subscription.
	eventEstablished = "event_established"
	// eventLost records a failed attempt or a dropped session.
	eventLost = "event_lost"
	// eventStop shuts the lifecycle down for good.
	eventStop = "event_stop"
)

// lifecycle tracks the subscriber's connection state and keeps the
// stream gauges in step with it. looplab serializes events, so the
// attempt counter needs no extra locking.
type lifecycle struct {
	*fsm.FSM

	logger   log.Logger
	attempts int
}

func newLifecycle(logger log.Logger) *lifecycle {
	l := &lifecycle{logger: logger}

	events := fsm.Events{
		{Name: eventConnect, Src: []string{StateIdle, StateBackoff}, Dst: StateConnecting},
		{Name: eventEstablished, Src: []string{StateConnecting}, Dst: StateConnected},
		{Name: eventLost, Src: []string{StateConnecting, StateConnected}, Dst: StateBackoff},
		{Name: eventStop, Src: []string{StateIdle, StateConnecting, StateConnected, StateBackoff}, Dst: StateStopped},
	}

	callbacks := fsm.Callbacks{
		"enter_" + StateConnecting: l.actionEnterConnecting,
		"enter_" + StateConnected:  l.actionEnterConnected,
		"enter_" + StateBackoff:    l.actionEnterBackoff,
		"enter_" + StateStopped:    l.actionEnterStopped,
	}

	l.FSM = fsm.NewFSM(StateIdle, events, callbacks)
	return l
}

// fire runs an event and swallows rejected transitions. Those happen
// when shutdown races a connection failure and are harmless.
func (l *lifecycle) fire(ctx context.Context, event string) {
	if err := l.Event(ctx, event); err != nil {
		l.logger.Debug("Stream lifecycle transition rejected",
			"event", event, "state", l.Current(), "err", err)
	}
}

func (l *lifecycle) actionEnterConnecting(ctx context.Context, e *fsm.Event) {
	l.attempts++
	if l.attempts > 1 {
		metrics.StreamReconnectsTotal.Inc()
	}
}

func (l *lifecycle) actionEnterConnected(ctx context.Context, e *fsm.Event) {
	metrics.StreamConnected.Set(1)
}

func (l *lifecycle) actionEnterBackoff(ctx context.Context, e *fsm.Event) {
	metrics.StreamConnected.Set(0)
}

func (l *lifecycle) actionEnterStopped(ctx context.Context, e *fsm.Event) {
	metrics.StreamConnected.Set(0)
}
