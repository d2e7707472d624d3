package arbiter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"
	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-chatfusion/config"
	"github.com/Meander-Cloud/go-chatfusion/group"
)

var ErrShutdown = errors.New("arbiter: shut down")

type Options struct {
	EventChannelLength uint16
	LogPrefix          string
	LogDebug           bool
	Logger             *zap.Logger
}

type event struct {
	f  func()
	t0 time.Time
}

func newEvent() *event {
	return &event{
		f:  nil,
		t0: time.Time{},
	}
}

// scheduler goroutine
func (e *event) reset() {
	e.f = nil
	e.t0 = time.Time{}
}

// Arbiter owns a single goroutine on which every posted functor, watched
// channel and timer callback runs, one at a time.
type Arbiter struct {
	options *Options
	logger  *zap.Logger
	s       *scheduler.Scheduler[group.Group]
	eventpl sync.Pool
	eventch chan *event

	doneOnce sync.Once
	done     chan struct{}
}

func NewArbiter(options *Options) *Arbiter {
	var eventChannelLength uint16
	if options.EventChannelLength == 0 {
		eventChannelLength = config.EventChannelLength
	} else {
		eventChannelLength = options.EventChannelLength
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("arbiter")

	a := &Arbiter{
		options: options,
		logger:  logger,
		s: scheduler.NewScheduler[group.Group](
			&scheduler.Options{
				LogPrefix: options.LogPrefix,
				LogDebug:  options.LogDebug,
			},
		),
		eventpl: sync.Pool{
			New: func() any {
				return newEvent()
			},
		},
		eventch: make(chan *event, eventChannelLength),
		done:    make(chan struct{}),
	}

	// add eventch
	a.s.ProcessAsync(
		&scheduler.ScheduleAsyncEvent[group.Group]{
			AsyncVariant: scheduler.NewAsyncVariant(
				false,
				nil,
				a.eventch,
				func(_ *scheduler.Scheduler[group.Group], _ *scheduler.AsyncVariant[group.Group], recv interface{}) {
					a.handle(recv)
				},
				func(_ *scheduler.Scheduler[group.Group], v *scheduler.AsyncVariant[group.Group]) {
					a.logger.Info("eventch released", zap.Uint64("selectCount", uint64(v.SelectCount)))
				},
			),
		},
	)

	// ownership of internal state is transferred to scheduler goroutine
	a.s.RunAsync()

	return a
}

func (a *Arbiter) Shutdown() {
	a.doneOnce.Do(func() {
		close(a.done)
	})
	a.s.Shutdown() // wait
}

// Done is closed once Shutdown has begun.
func (a *Arbiter) Done() <-chan struct{} {
	return a.done
}

func (a *Arbiter) getEvent() *event {
	evtAny := a.eventpl.Get()
	evt, ok := evtAny.(*event)
	if !ok {
		err := fmt.Errorf("%s: failed to cast event, evtAny=%#v", a.options.LogPrefix, evtAny)
		a.logger.Error("event pool corrupted", zap.Error(err))
		panic(err)
	}
	return evt
}

func (a *Arbiter) returnEvent(evt *event) {
	// recycle event
	evt.reset()
	a.eventpl.Put(evt)
}

// scheduler goroutine
func (a *Arbiter) handle(recv interface{}) {
	evt, ok := recv.(*event)
	if !ok {
		a.logger.Error("failed to cast event", zap.Any("recv", recv))
		return
	}
	defer a.returnEvent(evt)

	t1 := time.Now().UTC()

	a.run(evt.f)

	if a.options.LogDebug {
		t2 := time.Now().UTC()

		// log event lifecycle
		a.logger.Debug(
			"event",
			zap.Int64("goQueueWaitUs", t1.Sub(evt.t0).Microseconds()),
			zap.Int64("evtFuncElapsedUs", t2.Sub(t1).Microseconds()),
		)
	}
}

// scheduler goroutine
func (a *Arbiter) run(f func()) {
	defer func() {
		rec := recover()
		if rec != nil {
			a.logger.Error("functor recovered from panic", zap.Any("panic", rec), zap.Stack("stack"))
		}
	}()
	f()
}

// Dispatch enqueues f without blocking and fails when the event channel is full.
// any goroutine
func (a *Arbiter) Dispatch(f func()) error {
	evt := a.getEvent()
	evt.f = f
	evt.t0 = time.Now().UTC()

	select {
	case a.eventch <- evt:
	default:
		err := fmt.Errorf("%s: failed to push to eventch", a.options.LogPrefix)
		a.logger.Warn("eventch full", zap.Error(err))

		a.returnEvent(evt)
		return err
	}

	return nil
}

// Post enqueues f, blocking while the event channel is full, until Shutdown.
// any goroutine except the arbiter's own
func (a *Arbiter) Post(f func()) error {
	evt := a.getEvent()
	evt.f = f
	evt.t0 = time.Now().UTC()

	select {
	case a.eventch <- evt:
		return nil
	case <-a.done:
		a.returnEvent(evt)
		return ErrShutdown
	}
}

// Do runs f on the arbiter goroutine and waits for it to return.
// any goroutine except the arbiter's own
func (a *Arbiter) Do(f func()) error {
	finished := make(chan struct{})
	err := a.Post(
		func() {
			// invoked on arbiter goroutine
			defer close(finished)
			f()
		},
	)
	if err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-a.done:
		return ErrShutdown
	}
}

// Watch invokes f on the arbiter goroutine for every value received on ch.
// any goroutine
func (a *Arbiter) Watch(name string, ch <-chan struct{}, f func()) {
	a.s.ProcessAsync(
		&scheduler.ScheduleAsyncEvent[group.Group]{
			AsyncVariant: scheduler.NewAsyncVariant(
				false,
				nil,
				ch,
				func(_ *scheduler.Scheduler[group.Group], _ *scheduler.AsyncVariant[group.Group], _ interface{}) {
					a.run(f)
				},
				func(_ *scheduler.Scheduler[group.Group], v *scheduler.AsyncVariant[group.Group]) {
					a.logger.Info("watch released", zap.String("name", name), zap.Uint64("selectCount", uint64(v.SelectCount)))
				},
			),
		},
	)
}

// Schedule arms a one-shot timer; f runs on the arbiter goroutine unless g is
// released first.
// caller must be on arbiter goroutine
func (a *Arbiter) Schedule(g group.Group, wait time.Duration, f func()) {
	a.s.ProcessSync(
		&scheduler.ScheduleAsyncEvent[group.Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]group.Group{g},
				wait,
				func() {
					// invoked on arbiter goroutine
					a.run(f)
				},
				nil,
			),
		},
	)

	if a.options.LogDebug {
		a.logger.Debug("scheduled", zap.Stringer("group", g), zap.Duration("wait", wait))
	}
}

// caller must be on arbiter goroutine
func (a *Arbiter) Release(g group.Group) {
	a.s.ProcessSync(
		&scheduler.ReleaseGroupEvent[group.Group]{
			Group: g,
		},
	)

	if a.options.LogDebug {
		a.logger.Debug("released", zap.Stringer("group", g))
	}
}
