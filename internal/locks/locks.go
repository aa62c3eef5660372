// Package locks provides named, session-scoped advisory locks over the
// relational store. Each acquisition claims a keyed row on a dedicated
// connection, distinct from whatever transactional connection the caller is
// using, so the lock survives intermediate commits inside the locked scope.
package locks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Namespace scopes a lock key to one kind of logical entity.
type Namespace string

const (
	// NamespaceAgent serializes all mutation of one agent and its active
	// command, turns, and transcript offset.
	NamespaceAgent Namespace = "AGENT"
)

const (
	// DefaultTimeout bounds how long the blocking variant waits.
	DefaultTimeout = 15 * time.Second
	// DefaultPollInterval is the claim retry cadence while waiting.
	DefaultPollInterval = 25 * time.Millisecond
)

var (
	// ErrLockUnavailable indicates the blocking variant timed out.
	ErrLockUnavailable = errors.New("advisory lock unavailable")
	// ErrReentrantAcquire indicates the calling logical thread already holds
	// the lock. Re-entering the database wait would deadlock against itself,
	// so the attempt fails immediately instead.
	ErrReentrantAcquire = errors.New("reentrant advisory lock acquisition")
)

// ConnProvider hands out dedicated pool connections for lock state.
type ConnProvider interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// Options configures a lock service.
type Options struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// Service acquires and releases advisory locks.
type Service struct {
	provider     ConnProvider
	timeout      time.Duration
	pollInterval time.Duration
	now          func() time.Time
	sleep        func(time.Duration)
}

// New builds a lock service over the given connection provider.
func New(provider ConnProvider, opts Options) (*Service, error) {
	if provider == nil {
		return nil, errors.New("connection provider is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Service{
		provider:     provider,
		timeout:      timeout,
		pollInterval: pollInterval,
		now:          time.Now,
		sleep:        time.Sleep,
	}, nil
}

type heldLocksKey struct{}

// heldLocks is the in-process reentrancy registry. Ownership travels on the
// context so a nested acquisition anywhere in the same logical call stack is
// detected regardless of which goroutine runs it.
func heldLocks(ctx context.Context) map[string]struct{} {
	held, _ := ctx.Value(heldLocksKey{}).(map[string]struct{})
	return held
}

func withHeldLock(ctx context.Context, key string) context.Context {
	previous := heldLocks(ctx)
	next := make(map[string]struct{}, len(previous)+1)
	for k := range previous {
		next[k] = struct{}{}
	}
	next[key] = struct{}{}
	return context.WithValue(ctx, heldLocksKey{}, next)
}

// Held reports whether the calling context already holds the lock.
func Held(ctx context.Context, namespace Namespace, entityID string) bool {
	_, ok := heldLocks(ctx)[lockKey(namespace, entityID)]
	return ok
}

// WithLock runs fn while holding the named lock, blocking up to the
// configured timeout for acquisition. The lock is always released on the
// way out, success or panic, via the dedicated connection.
func (s *Service) WithLock(ctx context.Context, namespace Namespace, entityID string, fn func(ctx context.Context) error) error {
	if s == nil {
		return errors.New("lock service is nil")
	}
	key, err := validateKey(namespace, entityID)
	if err != nil {
		return err
	}
	if _, held := heldLocks(ctx)[key]; held {
		return fmt.Errorf("%w: %s", ErrReentrantAcquire, key)
	}

	conn, err := s.provider.Conn(ctx)
	if err != nil {
		return fmt.Errorf("reserve lock connection: %w", err)
	}
	defer conn.Close()

	owner := uuid.NewString()
	acquired, err := s.waitForClaim(ctx, conn, key, owner)
	// The claim may land in the store just as the caller gives up waiting,
	// so release runs unconditionally and treats "nothing held" as a no-op.
	defer s.release(conn, key, owner)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: %s after %s", ErrLockUnavailable, key, s.timeout)
	}

	return fn(withHeldLock(ctx, key))
}

// WithLockOrSkip runs fn only if the lock is immediately available and
// reports whether it ran. Background workers use this so they never block
// the hook path; a skipped agent is simply retried on the next cycle.
func (s *Service) WithLockOrSkip(ctx context.Context, namespace Namespace, entityID string, fn func(ctx context.Context) error) (bool, error) {
	if s == nil {
		return false, errors.New("lock service is nil")
	}
	key, err := validateKey(namespace, entityID)
	if err != nil {
		return false, err
	}
	if _, held := heldLocks(ctx)[key]; held {
		return false, nil
	}

	conn, err := s.provider.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("reserve lock connection: %w", err)
	}
	defer conn.Close()

	owner := uuid.NewString()
	acquired, err := s.claim(ctx, conn, key, owner)
	defer s.release(conn, key, owner)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}

	return true, fn(withHeldLock(ctx, key))
}

func (s *Service) waitForClaim(ctx context.Context, conn *sql.Conn, key, owner string) (bool, error) {
	deadline := s.now().Add(s.timeout)
	for {
		acquired, err := s.claim(ctx, conn, key, owner)
		if err != nil {
			return false, err
		}
		if acquired {
			return true, nil
		}
		if !s.now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		s.sleep(s.pollInterval)
	}
}

// claim attempts one atomic insert of the lock row. A primary-key conflict
// means another holder has it.
func (s *Service) claim(ctx context.Context, conn *sql.Conn, key, owner string) (bool, error) {
	result, err := conn.ExecContext(ctx, `
		INSERT INTO advisory_locks (lock_key, owner, acquired_at)
		VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO NOTHING`,
		key, owner, s.now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim lock %s: %w", key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim lock %s: %w", key, err)
	}
	return affected == 1, nil
}

// release deletes the holder's row if present. Zero rows affected is the
// harmless timeout-then-late-grant case, never an error; failing here would
// orphan the lock and starve every future acquirer for the entity.
func (s *Service) release(conn *sql.Conn, key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = conn.ExecContext(ctx, `
		DELETE FROM advisory_locks WHERE lock_key = ? AND owner = ?`,
		key, owner,
	)
}

func validateKey(namespace Namespace, entityID string) (string, error) {
	entityID = strings.TrimSpace(entityID)
	if strings.TrimSpace(string(namespace)) == "" {
		return "", errors.New("lock namespace is required")
	}
	if entityID == "" {
		return "", errors.New("lock entity id is required")
	}
	return lockKey(namespace, entityID), nil
}

func lockKey(namespace Namespace, entityID string) string {
	return string(namespace) + ":" + strings.TrimSpace(entityID)
}
