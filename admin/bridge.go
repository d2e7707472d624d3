package admin

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-chatfusion/arbiter"
	"github.com/Meander-Cloud/go-chatfusion/config"
)

var ErrShutdown = errors.New("admin: bridge shut down")

// Executor runs a command on the arbiter goroutine and must eventually call
// cmd.Reply.
type Executor func(cmd *Command)

// Bridge carries commands from console, remote admin or client input
// goroutines into the arbiter. The queue is bounded: Submit blocks while it
// is full. Each submit nudges a one-slot wake channel that the arbiter
// watches; one wake drains the whole queue.
type Bridge struct {
	a      *arbiter.Arbiter
	exec   Executor
	logger *zap.Logger

	queue chan *Command
	wake  chan struct{}
}

func NewBridge(a *arbiter.Arbiter, queueLength int, exec Executor, logger *zap.Logger) *Bridge {
	if queueLength <= 0 {
		queueLength = config.CommandQueueLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Bridge{
		a:      a,
		exec:   exec,
		logger: logger.Named("bridge"),

		queue: make(chan *Command, queueLength),
		wake:  make(chan struct{}, 1),
	}

	a.Watch("bridge", b.wake, b.drain)

	return b
}

// Submit enqueues cmd without waiting for its result.
// any goroutine except the arbiter's own
func (b *Bridge) Submit(ctx context.Context, cmd *Command) error {
	select {
	case b.queue <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.a.Done():
		return ErrShutdown
	}

	select {
	case b.wake <- struct{}{}:
	default:
		// a wake is already pending and will drain this command too
	}
	return nil
}

// Execute submits cmd and waits for its reply.
// any goroutine except the arbiter's own
func (b *Bridge) Execute(ctx context.Context, cmd *Command) (Response, error) {
	if err := b.Submit(ctx, cmd); err != nil {
		return Response{}, err
	}

	select {
	case resp := <-cmd.Replied():
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-b.a.Done():
		return Response{}, ErrShutdown
	}
}

// arbiter goroutine
func (b *Bridge) drain() {
	for {
		select {
		case cmd := <-b.queue:
			b.logger.Info("executing", zap.Stringer("command", cmd))
			b.run(cmd)
		default:
			return
		}
	}
}

// arbiter goroutine
func (b *Bridge) run(cmd *Command) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("command panicked", zap.Stringer("command", cmd), zap.Any("panic", rec))
			cmd.Reply("", fmt.Errorf("command %s failed: %v", cmd.Kind, rec))
		}
	}()
	b.exec(cmd)
}
