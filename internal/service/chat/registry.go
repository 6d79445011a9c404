package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/greenbot/backend/internal/model/persona"
	"github.com/zhouzirui/greenbot/backend/internal/service/ai"
	"github.com/zhouzirui/greenbot/backend/internal/store/kv"
	"github.com/zhouzirui/greenbot/backend/internal/store/local"
)

var (
	ErrInvalidClient  = errors.New("client id is required")
	ErrRegistryClosed = errors.New("registry closed")
)

// RegistryConfig holds the collaborators shared by every client's controller.
type RegistryConfig struct {
	Personas  persona.Store
	Responder Responder
	// Storage backs each client's local conversations and settings under its own
	// key prefix.
	Storage kv.Store
	// CredentialKey names the API key entry and FallbackKey is used when a client
	// has not stored one.
	CredentialKey string
	FallbackKey   string
	// AccountKeys stores keys for signed-in users; nil keeps keys per client.
	AccountKeys ai.AccountKeys
	Remote      RemoteFactory
	// IdleTTL disposes controllers unused for that long. Zero keeps them forever.
	IdleTTL       time.Duration
	SweepInterval time.Duration
	// Now replaces time.Now.
	Now func() time.Time
}

type registryEntry struct {
	ctrl     *Controller
	lastUsed time.Time
}

// Registry keeps one controller per client id.
type Registry struct {
	cfg RegistryConfig
	log *logrus.Entry
	now func() time.Time

	mu          sync.Mutex
	controllers map[string]*registryEntry
	closed      bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		cfg:         cfg,
		log:         logrus.WithField("component", "chat"),
		now:         now,
		controllers: make(map[string]*registryEntry),
	}
}

// Start runs the idle sweeper until Close.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil || r.closed || r.cfg.IdleTTL <= 0 {
		return
	}
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = r.cfg.IdleTTL / 2
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.wg.Add(1)
	go r.sweep(ctx, interval)
}

func (r *Registry) sweep(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep disposes controllers idle for longer than IdleTTL. Controllers with
// subscribers or a reply in flight are kept.
func (r *Registry) Sweep() int {
	if r.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.cfg.IdleTTL)

	r.mu.Lock()
	var idle []*Controller
	for id, entry := range r.controllers {
		if entry.lastUsed.After(cutoff) || entry.ctrl.busy() {
			continue
		}
		idle = append(idle, entry.ctrl)
		delete(r.controllers, id)
	}
	r.mu.Unlock()

	for _, ctrl := range idle {
		ctrl.Dispose()
	}
	if len(idle) > 0 {
		r.log.WithField("count", len(idle)).Info("disposed idle clients")
	}
	return len(idle)
}

// Get returns the initialised controller for clientID, creating it on first use.
func (r *Registry) Get(ctx context.Context, clientID string) (*Controller, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, ErrInvalidClient
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	entry, ok := r.controllers[clientID]
	if !ok {
		entry = &registryEntry{ctrl: r.newController(clientID)}
		r.controllers[clientID] = entry
	}
	entry.lastUsed = r.now()
	ctrl := entry.ctrl
	r.mu.Unlock()

	if err := ctrl.Init(ctx); err != nil {
		return nil, err
	}
	return ctrl, nil
}

// Acquire returns the client's controller switched to userID ("" for anonymous).
func (r *Registry) Acquire(ctx context.Context, clientID, userID string) (*Controller, error) {
	ctrl, err := r.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := ctrl.SetIdentity(ctx, userID); err != nil {
		return nil, err
	}
	return ctrl, nil
}

func (r *Registry) newController(clientID string) *Controller {
	space := kv.WithPrefix(r.cfg.Storage, "client/"+clientID+"/")
	keys := ai.NewCredentials(space, r.cfg.CredentialKey, r.cfg.FallbackKey)
	if r.cfg.AccountKeys != nil {
		keys.WithAccountKeys(r.cfg.AccountKeys)
	}
	return NewController(Deps{
		Personas:  r.cfg.Personas,
		Responder: r.cfg.Responder,
		Local:     local.New(space),
		Keys:      keys,
		Remote:    r.cfg.Remote,
		Log:       r.log.WithField("client", clientID),
	})
}

// Len reports how many clients are active.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

// Close stops the sweeper and disposes every controller, draining their
// pending writes.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	cancel := r.cancel
	r.cancel = nil
	controllers := r.controllers
	r.controllers = make(map[string]*registryEntry)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		r.wg.Wait()
	}
	for _, entry := range controllers {
		entry.ctrl.Dispose()
	}
}
