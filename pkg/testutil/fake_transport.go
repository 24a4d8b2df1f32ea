package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/credential"
)

// Step is one scripted response of a FakeTransport.
type Step struct {
	Value any
	Err   error
	// Delay postpones the response; the attempt context still applies.
	Delay time.Duration
	// Block waits until the attempt context is done.
	Block bool
}

// Call records one Do invocation.
type Call struct {
	Operation string
	Params    map[string]any
	Token     string
}

// FakeTransport is a scripted in-process transport. Operations without a
// script answer "ok".
type FakeTransport struct {
	Specs   []core.ActionSpec
	DialErr error
	// Handler, when set, answers every call instead of the script.
	Handler func(ctx context.Context, req *core.Request, cred credential.Credential) (any, error)

	mu      sync.Mutex
	name    string
	script  map[string][]Step
	calls   []Call
	dials   int
	closes  int
	started chan struct{}
}

// NewFakeTransport creates a transport named "fake".
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		name:    "fake",
		script:  map[string][]Step{},
		started: make(chan struct{}, 64),
	}
}

// Script queues steps for op. The last step repeats once the queue is empty.
func (f *FakeTransport) Script(op string, steps ...Step) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script[op] = append(f.script[op], steps...)
	return f
}

// Name implements core.Transport
func (f *FakeTransport) Name() string { return f.name }

// Actions implements core.Transport
func (f *FakeTransport) Actions() []core.ActionSpec { return f.Specs }

// Dial implements core.Transport
func (f *FakeTransport) Dial(ctx context.Context, _ core.CredentialSource) (core.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.DialErr != nil {
		return nil, f.DialErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &fakeSession{t: f}, nil
}

// Dials returns the number of Dial calls
func (f *FakeTransport) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// Closes returns the number of closed sessions
func (f *FakeTransport) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// Calls returns a copy of the recorded calls
func (f *FakeTransport) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns the number of Do calls for op
func (f *FakeTransport) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Operation == op {
			n++
		}
	}
	return n
}

// Started receives a value whenever a Do call begins.
func (f *FakeTransport) Started() <-chan struct{} { return f.started }

func (f *FakeTransport) next(req *core.Request, cred credential.Credential) Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Operation: req.Operation, Params: req.Params, Token: cred.Token})
	steps := f.script[req.Operation]
	switch len(steps) {
	case 0:
		return Step{Value: "ok"}
	case 1:
		return steps[0]
	}
	f.script[req.Operation] = steps[1:]
	return steps[0]
}

type fakeSession struct {
	t *FakeTransport
}

func (s *fakeSession) Do(ctx context.Context, req *core.Request, cred credential.Credential) (any, error) {
	step := s.t.next(req, cred)
	select {
	case s.t.started <- struct{}{}:
	default:
	}
	if s.t.Handler != nil {
		return s.t.Handler(ctx, req, cred)
	}

	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return step.Value, step.Err
}

func (s *fakeSession) Close(context.Context) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.closes++
	return nil
}
