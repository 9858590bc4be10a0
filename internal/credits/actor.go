package credits

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/clipsmith/backend/internal/models"
)

// ErrShuttingDown is returned for operations submitted after Shutdown.
var ErrShuttingDown = errors.New("credit actors shutting down")

const actorMailboxSize = 32

// operation runs inside the owning actor's goroutine with the current cached
// balance. No other operation for the same user can interleave with it.
type operation func(ctx context.Context, cur models.Balance) (models.Balance, error)

type command struct {
	ctx   context.Context
	op    operation
	reply chan result
}

type result struct {
	bal models.Balance
	err error
}

// actor serializes all balance mutations for one user. State is loaded
// lazily from the store on first use; after any failed operation the cache is
// invalidated so the next command reconciles from the store (store wins cold,
// actor wins warm).
type actor struct {
	userID uuid.UUID
	store  Store
	log    *slog.Logger
	cmds   chan command

	// sendMu guards sends against the mailbox being closed by Shutdown.
	sendMu sync.Mutex
	closed bool

	loaded bool
	state  models.Balance
}

func (a *actor) enqueue(ctx context.Context, cmd command) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if a.closed {
		return ErrShuttingDown
	}
	select {
	case a.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *actor) run(done func()) {
	defer done()
	for cmd := range a.cmds {
		if err := cmd.ctx.Err(); err != nil {
			cmd.reply <- result{err: err}
			continue
		}
		if !a.loaded {
			st, err := a.store.Load(cmd.ctx, a.userID)
			if err != nil {
				cmd.reply <- result{err: err}
				continue
			}
			a.state = st
			a.loaded = true
		}
		next, err := cmd.op(cmd.ctx, a.state)
		if err != nil {
			a.loaded = false
			cmd.reply <- result{err: err}
			continue
		}
		a.state = next
		if next.Available() < 0 {
			a.log.Error("credit invariant violated",
				"user_id", a.userID,
				"total", next.Total, "used", next.Used, "reserved", next.Reserved)
		}
		cmd.reply <- result{bal: next}
	}
}

// Supervisor owns one actor per user. Actors for different users run fully in
// parallel with no shared mutable state; there is deliberately no global
// balance lock.
type Supervisor struct {
	store Store
	log   *slog.Logger

	mu     sync.Mutex
	actors map[uuid.UUID]*actor
	closed bool
	wg     sync.WaitGroup
}

func NewSupervisor(store Store, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		store:  store,
		log:    log,
		actors: make(map[uuid.UUID]*actor),
	}
}

// Do submits op to the user's actor and waits for its result.
func (s *Supervisor) Do(ctx context.Context, userID uuid.UUID, op operation) (models.Balance, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.Balance{}, ErrShuttingDown
	}
	a, ok := s.actors[userID]
	if !ok {
		a = &actor{
			userID: userID,
			store:  s.store,
			log:    s.log,
			cmds:   make(chan command, actorMailboxSize),
		}
		s.actors[userID] = a
		s.wg.Add(1)
		go a.run(s.wg.Done)
	}
	s.mu.Unlock()

	cmd := command{ctx: ctx, op: op, reply: make(chan result, 1)}
	if err := a.enqueue(ctx, cmd); err != nil {
		return models.Balance{}, err
	}
	select {
	case res := <-cmd.reply:
		return res.bal, res.err
	case <-ctx.Done():
		return models.Balance{}, ctx.Err()
	}
}

// Shutdown stops accepting operations, drains every mailbox, and waits for
// all actors to exit. Acknowledged writes are already in the store.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	actors := make([]*actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	for _, a := range actors {
		a.sendMu.Lock()
		a.closed = true
		close(a.cmds)
		a.sendMu.Unlock()
	}
	s.wg.Wait()
}
