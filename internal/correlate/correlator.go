// Package correlate maps incoming external session identifiers to internal
// agent records. Resolution runs through an ordered cascade of strategies
// and creates a new agent only as a last resort, and only when the deployment
// policy permits auto-registration.
//
// The correlator holds no locks of its own: callers acquire the per-agent
// advisory lock immediately after correlation succeeds, because the agent may
// not exist until the cascade finishes.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quarterdeck/qd/internal/store"
)

// DefaultRecentWindow bounds how stale a directory-matched agent may be.
const DefaultRecentWindow = 2 * time.Hour

// ErrUnregistered is the errors.Is target for rejected correlation.
var ErrUnregistered = errors.New("unregistered session")

// UnregisteredError reports a session the cascade could not resolve, naming
// the rejected working directory.
type UnregisteredError struct {
	ExternalSessionID string
	Workdir           string
}

func (e *UnregisteredError) Error() string {
	return fmt.Sprintf(
		"no agent for session %q and auto-registration is disabled (rejected path %q)",
		e.ExternalSessionID,
		e.Workdir,
	)
}

// Is allows errors.Is(err, ErrUnregistered) checks.
func (e *UnregisteredError) Is(target error) bool {
	return target == ErrUnregistered
}

// Store is the persistence surface the cascade needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (store.Agent, error)
	FindAgentByExternalSession(ctx context.Context, externalSessionID string) (store.Agent, error)
	FindAgentBySessionToken(ctx context.Context, token string) (store.Agent, error)
	FindAgentByWorkdir(ctx context.Context, workdir string, activeSince time.Time) (store.Agent, error)
	CreateAgent(ctx context.Context, agent store.Agent) (store.Agent, error)
	AttachExternalSession(ctx context.Context, agentID, externalSessionID string) error
}

// Request carries the identifiers available for one correlation attempt.
type Request struct {
	ExternalSessionID string
	Workdir           string
	// SessionToken is the internally issued identifier handed out by
	// side-channel provisioning (qd register), when the caller has one.
	SessionToken string
}

// Cache is the injected thread-safe external-session-id to agent-id map.
// Populated on successful correlation, invalidated on agent retirement.
type Cache struct {
	mu         sync.RWMutex
	byExternal map[string]string
}

// NewCache builds an empty correlation cache.
func NewCache() *Cache {
	return &Cache{byExternal: make(map[string]string)}
}

// Get returns the cached agent id for an external session id.
func (c *Cache) Get(externalSessionID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agentID, ok := c.byExternal[strings.TrimSpace(externalSessionID)]
	return agentID, ok
}

// Put records a correlation result.
func (c *Cache) Put(externalSessionID, agentID string) {
	externalSessionID = strings.TrimSpace(externalSessionID)
	if externalSessionID == "" || strings.TrimSpace(agentID) == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byExternal[externalSessionID] = agentID
}

// Invalidate drops every cache entry pointing at the agent. Called when an
// agent is retired so stale sessions do not resolve to a dead record.
func (c *Cache) Invalidate(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, value := range c.byExternal {
		if value == agentID {
			delete(c.byExternal, key)
		}
	}
}

// Options configures correlator policy.
type Options struct {
	// AutoRegister permits creating a new agent for an unknown session.
	// Production deployments typically disable this and require explicit
	// provisioning through qd register.
	AutoRegister bool
	// RecentWindow bounds the directory-match strategy to recently active
	// agents.
	RecentWindow time.Duration
}

type strategy struct {
	name string
	fn   func(ctx context.Context, req Request) (store.Agent, bool, error)
}

// Correlator resolves sessions through the strategy cascade.
type Correlator struct {
	store        Store
	cache        *Cache
	autoRegister bool
	recentWindow time.Duration
	now          func() time.Time
	strategies   []strategy
}

// New builds a correlator with the given store, cache, and policy.
func New(st Store, cache *Cache, opts Options) (*Correlator, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if cache == nil {
		cache = NewCache()
	}
	recentWindow := opts.RecentWindow
	if recentWindow <= 0 {
		recentWindow = DefaultRecentWindow
	}

	c := &Correlator{
		store:        st,
		cache:        cache,
		autoRegister: opts.AutoRegister,
		recentWindow: recentWindow,
		now:          time.Now,
	}
	c.strategies = []strategy{
		{name: "cache", fn: c.fromCache},
		{name: "external-session", fn: c.byExternalSession},
		{name: "session-token", fn: c.bySessionToken},
		{name: "workdir", fn: c.byWorkdir},
		{name: "auto-register", fn: c.autoRegisterAgent},
	}
	return c, nil
}

// Correlate resolves the request to an agent, trying each strategy in order
// and stopping at the first match.
func (c *Correlator) Correlate(ctx context.Context, req Request) (store.Agent, error) {
	if c == nil {
		return store.Agent{}, errors.New("correlator is nil")
	}
	req.ExternalSessionID = strings.TrimSpace(req.ExternalSessionID)
	req.Workdir = strings.TrimSpace(req.Workdir)
	req.SessionToken = strings.TrimSpace(req.SessionToken)

	for _, strat := range c.strategies {
		agent, matched, err := strat.fn(ctx, req)
		if err != nil {
			return store.Agent{}, fmt.Errorf("correlation strategy %s: %w", strat.name, err)
		}
		if !matched {
			continue
		}
		if err := c.adopt(ctx, &agent, req); err != nil {
			return store.Agent{}, err
		}
		return agent, nil
	}

	return store.Agent{}, &UnregisteredError{
		ExternalSessionID: req.ExternalSessionID,
		Workdir:           req.Workdir,
	}
}

// adopt records the match in the cache and binds a new external session id
// onto agents found through the token or directory strategies.
func (c *Correlator) adopt(ctx context.Context, agent *store.Agent, req Request) error {
	if req.ExternalSessionID != "" && agent.ExternalSessionID != req.ExternalSessionID {
		if err := c.store.AttachExternalSession(ctx, agent.ID, req.ExternalSessionID); err != nil {
			return fmt.Errorf("attach external session: %w", err)
		}
		agent.ExternalSessionID = req.ExternalSessionID
	}
	c.cache.Put(req.ExternalSessionID, agent.ID)
	return nil
}

func (c *Correlator) fromCache(ctx context.Context, req Request) (store.Agent, bool, error) {
	if req.ExternalSessionID == "" {
		return store.Agent{}, false, nil
	}
	agentID, ok := c.cache.Get(req.ExternalSessionID)
	if !ok {
		return store.Agent{}, false, nil
	}
	agent, err := c.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		// Stale entry; drop it and let the remaining strategies run.
		c.cache.Invalidate(agentID)
		return store.Agent{}, false, nil
	}
	if err != nil {
		return store.Agent{}, false, err
	}
	if agent.Status == store.AgentRetired {
		c.cache.Invalidate(agentID)
		return store.Agent{}, false, nil
	}
	return agent, true, nil
}

func (c *Correlator) byExternalSession(ctx context.Context, req Request) (store.Agent, bool, error) {
	if req.ExternalSessionID == "" {
		return store.Agent{}, false, nil
	}
	agent, err := c.store.FindAgentByExternalSession(ctx, req.ExternalSessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Agent{}, false, nil
	}
	if err != nil {
		return store.Agent{}, false, err
	}
	return agent, true, nil
}

func (c *Correlator) bySessionToken(ctx context.Context, req Request) (store.Agent, bool, error) {
	if req.SessionToken == "" {
		return store.Agent{}, false, nil
	}
	agent, err := c.store.FindAgentBySessionToken(ctx, req.SessionToken)
	if errors.Is(err, store.ErrNotFound) {
		return store.Agent{}, false, nil
	}
	if err != nil {
		return store.Agent{}, false, err
	}
	return agent, true, nil
}

func (c *Correlator) byWorkdir(ctx context.Context, req Request) (store.Agent, bool, error) {
	if req.Workdir == "" {
		return store.Agent{}, false, nil
	}
	activeSince := c.now().UTC().Add(-c.recentWindow)
	agent, err := c.store.FindAgentByWorkdir(ctx, req.Workdir, activeSince)
	if errors.Is(err, store.ErrNotFound) {
		return store.Agent{}, false, nil
	}
	if err != nil {
		return store.Agent{}, false, err
	}
	return agent, true, nil
}

func (c *Correlator) autoRegisterAgent(ctx context.Context, req Request) (store.Agent, bool, error) {
	if !c.autoRegister {
		return store.Agent{}, false, nil
	}
	if req.Workdir == "" {
		return store.Agent{}, false, errors.New("workdir is required to register an agent")
	}
	agent, err := c.store.CreateAgent(ctx, store.Agent{
		ExternalSessionID: req.ExternalSessionID,
		Workdir:           req.Workdir,
	})
	if err != nil {
		return store.Agent{}, false, err
	}
	return agent, true, nil
}
