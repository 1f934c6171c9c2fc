// Package operation runs units of background work on bounded queues.
//
// An Operation starts only after every operation it depends on has finished,
// whichever queue those ran on. Completion is signalled by closing the
// channel returned from Done.
package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle position of an Operation.
type State int32

const (
	Pending State = iota
	Executing
	Finished
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Executing:
		return "executing"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	ErrAlreadySubmitted = errors.New("operation: already submitted")
	ErrSelfDependency   = errors.New("operation: operation cannot depend on itself")
)

// Func is the body of an operation. It must not return before its work,
// including any awaited network call or store commit, has completed.
type Func func(ctx context.Context) error

type Operation struct {
	name string
	fn   Func

	mu        sync.Mutex
	state     State
	submitted bool
	deps      []*Operation
	err       error
	done      chan struct{}
}

func New(name string, fn Func) *Operation {
	return &Operation{name: name, fn: fn, done: make(chan struct{})}
}

func (o *Operation) Name() string { return o.name }

// AddDependency makes o wait for dep to finish. The outcome of dep does not
// matter; o runs after dep fails as well as after it succeeds.
func (o *Operation) AddDependency(dep *Operation) error {
	if dep == o {
		return ErrSelfDependency
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.submitted {
		return ErrAlreadySubmitted
	}
	o.deps = append(o.deps, dep)
	return nil
}

func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Done is closed once the operation has finished.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Err returns the operation's result. It is nil until the operation finished.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Wait blocks until the operation finished or ctx is done.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Operation) markSubmitted() ([]*Operation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.submitted {
		return nil, ErrAlreadySubmitted
	}
	o.submitted = true
	return o.deps, nil
}

func (o *Operation) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Operation) finish(err error) {
	o.mu.Lock()
	o.state = Finished
	o.err = err
	o.mu.Unlock()
	close(o.done)
}

func (o *Operation) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", o.name, r)
		}
	}()
	return o.fn(ctx)
}

// Completed returns an operation that has already finished with err. It is
// used where there is nothing to schedule.
func Completed(name string, err error) *Operation {
	op := New(name, nil)
	op.submitted = true
	op.finish(err)
	return op
}
