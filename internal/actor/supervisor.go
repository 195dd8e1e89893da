// Package actor routes work for a key to exactly one long-lived goroutine.
// Every message for a key runs on that goroutine in arrival order, so the
// state it owns needs no locks. Actors are started on first use and reclaimed
// once their tick hook reports them idle.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned for messages sent to an actor that has stopped or
// to a supervisor that is shutting down.
var ErrStopped = errors.New("actor stopped")

// ErrPanic wraps a panic recovered from a message handler
var ErrPanic = errors.New("actor handler panicked")

const (
	DefaultShards       = 32
	DefaultInboxSize    = 256
	DefaultTickInterval = 30 * time.Second
)

// Hooks define an actor's lifecycle. S is the state owned by one actor.
type Hooks[S any] struct {
	// Start builds the state for key. An error stops the actor and fails
	// every message queued for it.
	Start func(ctx context.Context, key string) (S, error)
	// Tick runs periodically. Returning true asks for the actor to be
	// reclaimed; it is only reclaimed when no message is queued or in flight.
	Tick func(ctx context.Context, key string, state S) bool
	// Stop runs once, on the actor's goroutine, when it is reclaimed or the
	// supervisor shuts down.
	Stop func(ctx context.Context, key string, state S)
}

// Options configures a Supervisor
type Options struct {
	Shards       int
	InboxSize    int
	TickInterval time.Duration
	Logger       *slog.Logger
	Name         string // used in log lines
}

type message[S any] struct {
	run  func(ctx context.Context, state S)
	fail func(err error)
}

type actor[S any] struct {
	key    string
	inbox  chan message[S]
	refs   int // senders holding this actor, guarded by the shard lock
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
	cause  error // why the actor stopped, set before done is closed
}

func (a *actor[S]) close(cause error) {
	a.once.Do(func() {
		a.cause = cause
		close(a.done)
	})
}

type shard[S any] struct {
	mu     sync.Mutex
	actors map[string]*actor[S]
}

// Supervisor owns the actors for one kind of key
type Supervisor[S any] struct {
	hooks    Hooks[S]
	opts     Options
	logger   *slog.Logger
	shards   []*shard[S]
	ctx      context.Context
	cancel   context.CancelFunc
	stopping chan struct{}
	stopOnce sync.Once
}

// New creates a supervisor. No goroutine runs until the first message.
func New[S any](hooks Hooks[S], opts Options) *Supervisor[S] {
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Name == "" {
		opts.Name = "actor"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor[S]{
		hooks:    hooks,
		opts:     opts,
		logger:   logger.With("supervisor", opts.Name),
		shards:   make([]*shard[S], opts.Shards),
		ctx:      ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard[S]{actors: make(map[string]*actor[S])}
	}
	return s
}

func (s *Supervisor[S]) shardFor(key string) *shard[S] {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// Tell queues fn to run on key's actor. It returns once fn is queued.
func (s *Supervisor[S]) Tell(ctx context.Context, key string, fn func(ctx context.Context, state S)) error {
	return s.send(ctx, key, message[S]{run: fn})
}

// Ask runs fn on key's actor and waits for its result
func Ask[S, R any](ctx context.Context, s *Supervisor[S], key string, fn func(ctx context.Context, state S) (R, error)) (R, error) {
	type result struct {
		val R
		err error
	}
	reply := make(chan result, 1)
	msg := message[S]{
		run: func(ctx context.Context, state S) {
			v, err := fn(ctx, state)
			reply <- result{v, err}
		},
		fail: func(err error) {
			reply <- result{err: err}
		},
	}

	a, err := s.acquire(key)
	if err != nil {
		var zero R
		return zero, err
	}
	err = s.enqueue(ctx, a, msg)
	s.release(a)
	if err != nil {
		var zero R
		return zero, err
	}

	select {
	case r := <-reply:
		return r.val, r.err
	case <-a.done:
		select {
		case r := <-reply:
			return r.val, r.err
		default:
			var zero R
			return zero, a.cause
		}
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

func (s *Supervisor[S]) send(ctx context.Context, key string, msg message[S]) error {
	a, err := s.acquire(key)
	if err != nil {
		return err
	}
	defer s.release(a)
	return s.enqueue(ctx, a, msg)
}

func (s *Supervisor[S]) enqueue(ctx context.Context, a *actor[S], msg message[S]) error {
	select {
	case a.inbox <- msg:
		return nil
	case <-a.done:
		return a.cause
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire returns key's actor, starting it if needed, and pins it against
// reclamation until release.
func (s *Supervisor[S]) acquire(key string) (*actor[S], error) {
	select {
	case <-s.stopping:
		return nil, fmt.Errorf("%w: supervisor is shutting down", ErrStopped)
	default:
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	a, ok := sh.actors[key]
	if !ok {
		a = &actor[S]{
			key:    key,
			inbox:  make(chan message[S], s.opts.InboxSize),
			done:   make(chan struct{}),
			exited: make(chan struct{}),
		}
		sh.actors[key] = a
		go s.run(a)
	}
	a.refs++
	return a, nil
}

func (s *Supervisor[S]) release(a *actor[S]) {
	sh := s.shardFor(a.key)
	sh.mu.Lock()
	a.refs--
	sh.mu.Unlock()
}

// tryReclaim unregisters a when nothing is queued for it or about to be
func (s *Supervisor[S]) tryReclaim(a *actor[S]) bool {
	sh := s.shardFor(a.key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if a.refs > 0 || len(a.inbox) > 0 {
		return false
	}
	if sh.actors[a.key] == a {
		delete(sh.actors, a.key)
	}
	a.close(fmt.Errorf("%w: %s reclaimed", ErrStopped, a.key))
	return true
}

// retire unregisters a unconditionally and fails whatever is still queued
func (s *Supervisor[S]) retire(a *actor[S], cause error) {
	sh := s.shardFor(a.key)
	sh.mu.Lock()
	if sh.actors[a.key] == a {
		delete(sh.actors, a.key)
	}
	sh.mu.Unlock()
	a.close(cause)

	for {
		select {
		case msg := <-a.inbox:
			if msg.fail != nil {
				msg.fail(cause)
			}
		default:
			return
		}
	}
}

func (s *Supervisor[S]) run(a *actor[S]) {
	defer close(a.exited)
	ctx := s.ctx
	log := s.logger.With("key", a.key)

	var state S
	if s.hooks.Start != nil {
		var err error
		state, err = s.hooks.Start(ctx, a.key)
		if err != nil {
			log.Error("actor failed to start", "error", err)
			s.retire(a, fmt.Errorf("start %s: %w", a.key, err))
			return
		}
	}
	log.Debug("actor started")

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-a.inbox:
			s.invoke(ctx, log, state, msg)

		case <-ticker.C:
			if s.hooks.Tick == nil || !s.tick(ctx, log, a.key, state) {
				continue
			}
			if s.tryReclaim(a) {
				s.stop(ctx, log, a.key, state)
				log.Debug("actor reclaimed")
				return
			}

		case <-s.stopping:
			// Finish what was accepted before shutdown began.
			for drained := false; !drained; {
				select {
				case msg := <-a.inbox:
					s.invoke(ctx, log, state, msg)
				default:
					drained = true
				}
			}
			s.retire(a, fmt.Errorf("%w: %s", ErrStopped, a.key))
			s.stop(ctx, log, a.key, state)
			return
		}
	}
}

func (s *Supervisor[S]) invoke(ctx context.Context, log *slog.Logger, state S, msg message[S]) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("actor handler panicked", "panic", r, "stack", string(debug.Stack()))
			if msg.fail != nil {
				msg.fail(fmt.Errorf("%w: %v", ErrPanic, r))
			}
		}
	}()
	msg.run(ctx, state)
}

func (s *Supervisor[S]) tick(ctx context.Context, log *slog.Logger, key string, state S) (reclaim bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("actor tick panicked", "panic", r)
			reclaim = false
		}
	}()
	return s.hooks.Tick(ctx, key, state)
}

func (s *Supervisor[S]) stop(ctx context.Context, log *slog.Logger, key string, state S) {
	if s.hooks.Stop == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("actor stop hook panicked", "panic", r)
		}
	}()
	s.hooks.Stop(ctx, key, state)
}

// Len returns the number of live actors
func (s *Supervisor[S]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.actors)
		sh.mu.Unlock()
	}
	return n
}

// Keys returns the keys of every live actor
func (s *Supervisor[S]) Keys() []string {
	var keys []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.actors {
			keys = append(keys, k)
		}
		sh.mu.Unlock()
	}
	return keys
}

// Has reports whether key currently has a live actor
func (s *Supervisor[S]) Has(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.actors[key]
	return ok
}

// Shutdown stops accepting messages, lets every actor finish its queue and
// run its Stop hook, and waits for them until ctx expires.
func (s *Supervisor[S]) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopping) })

	var live []*actor[S]
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, a := range sh.actors {
			live = append(live, a)
		}
		sh.mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range live {
		g.Go(func() error {
			select {
			case <-a.exited:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()
	s.cancel()
	if err != nil {
		return fmt.Errorf("shutdown %s actors: %w", s.opts.Name, err)
	}
	return nil
}
