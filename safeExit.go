package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var SafeExitInst *SafeExit

func InitSafeExit() {
	SafeExitInst = NewSafeExit()
	go SafeExitInst.ListenSignal()
}

// SafeExit runs registered stop funcs, newest first, when the process is
// asked to stop, and then cancels its context.
type SafeExit struct {
	ctx    context.Context
	cancel context.CancelFunc
	funcs  []func()
	mu     sync.Mutex
	once   sync.Once
}

func NewSafeExit() *SafeExit {
	ctx, cancel := context.WithCancel(context.Background())
	return &SafeExit{ctx: ctx, cancel: cancel}
}

// Context is cancelled once every stop func has returned.
func (s *SafeExit) Context() context.Context { return s.ctx }

func (s *SafeExit) Register(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.funcs = append(s.funcs, f)
}

// Shutdown runs the stop funcs once. Later calls return immediately.
func (s *SafeExit) Shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		funcs := s.funcs
		s.funcs = nil
		s.mu.Unlock()
		for i := len(funcs) - 1; i >= 0; i-- {
			funcs[i]()
		}
		s.cancel()
	})
}

func (s *SafeExit) ListenSignal() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	stopping := false
	for sig := range sigs {
		if stopping {
			fmt.Fprintf(os.Stderr, "received signal %s again, exiting now\n", sig)
			os.Exit(1)
		}
		stopping = true
		fmt.Fprintf(os.Stderr, "received signal %s, stopping, please wait\n", sig)
		go s.Shutdown()
	}
}
