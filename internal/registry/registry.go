// Package registry owns every live terminal session in the daemon and is
// the single entry point transports use to create, attach to, drive and
// terminate them.
package registry

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/peterje/shepherd/internal/distributor"
	"github.com/peterje/shepherd/internal/models"
	"github.com/peterje/shepherd/internal/pty"
)

const (
	shardCount = 16

	DefaultReadBufferSize = 8 * 1024
	DefaultPollInterval   = 10 * time.Millisecond
	DefaultTerminateGrace = 2 * time.Second

	ingressDepth = 64
	storeTimeout = 5 * time.Second
)

// Opener constructs the backend for a session config.
type Opener interface {
	Open(ctx context.Context, cfg models.Config, auth *models.AuthMethod) (pty.Terminal, error)
}

// Store receives session metadata. Implementations must not block for
// long; calls are bounded by a short timeout.
type Store interface {
	SaveMetadata(ctx context.Context, s models.Summary) error
	Get(ctx context.Context, id string) (models.Summary, error)
}

type Options struct {
	Opener Opener
	// Store may be nil, in which case nothing is persisted.
	Store          Store
	Logger         *log.Logger
	ReadBufferSize int
	PollInterval   time.Duration
	QueueCapacity  int
	TerminateGrace time.Duration
}

// Registry is safe for concurrent use. Sessions live in shards so that
// lookups and mutations on different sessions do not contend.
type Registry struct {
	opts    Options
	logger  *log.Logger
	started time.Time

	shards [shardCount]shard
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func New(opts Options) *Registry {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = distributor.DefaultCapacity
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = DefaultTerminateGrace
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	r := &Registry{
		opts:    opts,
		logger:  opts.Logger.With("component", "registry"),
		started: time.Now(),
	}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*session)
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &r.shards[h.Sum32()%shardCount]
}

func (r *Registry) lookup(id string) (*session, error) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	s, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if !ok {
		return nil, models.NotFound(id)
	}
	return s, nil
}

// live returns the session unless it is absent or stopped.
func (r *Registry) live(id string) (*session, error) {
	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if s.state() == models.StateStopped {
		return nil, models.Errorf(models.ErrKindNotFound, "session %s is stopped", id)
	}
	return s, nil
}

func (r *Registry) each(fn func(*session)) {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		list := make([]*session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			list = append(list, s)
		}
		sh.mu.RUnlock()
		for _, s := range list {
			fn(s)
		}
	}
}

func (r *Registry) remove(id string) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	delete(sh.sessions, id)
	sh.mu.Unlock()
}

// Create opens a backend for cfg and registers it as a running session
// with no clients. It returns as soon as the backend is open.
func (r *Registry) Create(ctx context.Context, name string, cfg models.Config, auth *models.AuthMethod) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if cfg.Kind == models.KindRemote {
		if err := auth.Validate(); err != nil {
			return "", err
		}
	}

	backend, err := r.opts.Opener.Open(ctx, cfg, auth)
	if err != nil {
		r.logger.Warn("open backend failed", "kind", cfg.Kind, "err", err)
		return "", err
	}

	id := uuid.NewString()
	if name == "" {
		name = defaultName(cfg, id)
	}
	now := time.Now().UTC()
	s := &session{
		id:         id,
		backend:    backend,
		dist:       distributor.New(r.opts.QueueCapacity),
		ingress:    make(chan ingressEvent, ingressDepth),
		quit:       make(chan struct{}),
		readerDone: make(chan struct{}),
		clients:    make(map[string]*clientHandle),
		summary: models.Summary{
			ID:         id,
			Name:       name,
			Kind:       cfg.Kind,
			State:      models.StateRunning,
			CreatedAt:  now,
			LastActive: now,
			Config:     cfg,
		},
	}
	if hi, ok := backend.(interface{ HostIdentity() models.HostIdentity }); ok {
		host := hi.HostIdentity()
		s.summary.Host = &host
	}

	sh := r.shardFor(id)
	sh.mu.Lock()
	sh.sessions[id] = s
	sh.mu.Unlock()

	go r.readLoop(s)
	go r.writeLoop(s)

	r.persist(s)
	r.logger.Info("session created", "session", id, "name", name, "kind", cfg.Kind)
	return id, nil
}

func defaultName(cfg models.Config, id string) string {
	short := id[:8]
	switch cfg.Kind {
	case models.KindRemote:
		return cfg.Host + "-" + short
	case models.KindSerial:
		return "serial-" + short
	default:
		return "local-" + short
	}
}

// Get returns the summary of a registered session, stopped or not.
func (r *Registry) Get(id string) (models.Summary, error) {
	s, err := r.lookup(id)
	if err != nil {
		return models.Summary{}, err
	}
	return s.snapshot(), nil
}

// List returns every registered session, oldest first.
func (r *Registry) List() []models.Summary {
	out := []models.Summary{}
	r.each(func(s *session) {
		out = append(out, s.snapshot())
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Attach registers clientID on the session and returns its output
// subscription. Attaching a client that is already attached returns the
// existing subscription.
func (r *Registry) Attach(id, clientID string) (*distributor.Subscription, error) {
	if clientID == "" {
		return nil, models.Errorf(models.ErrKindInvalidRequest, "client id is required")
	}
	s, err := r.live(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.summary.State == models.StateStopped {
		s.mu.Unlock()
		return nil, models.Errorf(models.ErrKindNotFound, "session %s is stopped", id)
	}
	if h, ok := s.clients[clientID]; ok {
		s.mu.Unlock()
		return h.sub, nil
	}
	sub := s.dist.Subscribe()
	s.clients[clientID] = &clientHandle{id: clientID, attachedAt: time.Now(), sub: sub}
	changed := s.summary.State != models.StateRunning
	s.summary.State = models.StateRunning
	s.summary.LastActive = time.Now().UTC()
	s.mu.Unlock()

	r.logger.Debug("client attached", "session", id, "client", clientID)
	if changed {
		r.persist(s)
	}
	return sub, nil
}

// Detach removes clientID from the session. The session keeps running; it
// becomes Detached when its last client leaves.
func (r *Registry) Detach(id, clientID string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	h, ok := s.clients[clientID]
	if !ok {
		s.mu.Unlock()
		return models.Errorf(models.ErrKindNotFound, "client %s is not attached to session %s", clientID, id)
	}
	delete(s.clients, clientID)
	changed := false
	if len(s.clients) == 0 && s.summary.State == models.StateRunning {
		s.summary.State = models.StateDetached
		changed = true
	}
	s.mu.Unlock()

	s.dist.Unsubscribe(h.sub)
	r.logger.Debug("client detached", "session", id, "client", clientID)
	if changed {
		r.persist(s)
	}
	return nil
}

// DetachAll removes clientID from every session it is attached to. Called
// when a transport connection goes away.
func (r *Registry) DetachAll(clientID string) int {
	n := 0
	r.each(func(s *session) {
		s.mu.Lock()
		_, ok := s.clients[clientID]
		s.mu.Unlock()
		if ok && r.Detach(s.id, clientID) == nil {
			n++
		}
	})
	return n
}

// SendInput queues data for the session's writer and waits for it to be
// written. Input from concurrent callers is applied one event at a time in
// arrival order.
func (r *Registry) SendInput(ctx context.Context, id string, data []byte) (int, error) {
	if len(data) > models.MaxInputSize {
		return 0, models.Errorf(models.ErrKindInvalidRequest, "input of %d bytes exceeds %d", len(data), models.MaxInputSize)
	}
	s, err := r.live(id)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	res, err := r.submit(ctx, s, ingressEvent{data: data})
	if err != nil {
		return 0, err
	}
	return res.n, res.err
}

// Resize changes the terminal size. Serial sessions accept and ignore it.
func (r *Registry) Resize(ctx context.Context, id string, cols, rows uint16) error {
	if cols == 0 || rows == 0 || cols > models.MaxTermCols || rows > models.MaxTermRows {
		return models.Errorf(models.ErrKindInvalidRequest, "invalid terminal size %dx%d", cols, rows)
	}
	s, err := r.live(id)
	if err != nil {
		return err
	}
	res, err := r.submit(ctx, s, ingressEvent{resize: true, cols: cols, rows: rows})
	if err != nil {
		return err
	}
	return res.err
}

func (r *Registry) submit(ctx context.Context, s *session, ev ingressEvent) (ingressResult, error) {
	ev.reply = make(chan ingressResult, 1)
	stopped := models.Errorf(models.ErrKindNotFound, "session %s is stopped", s.id)

	select {
	case s.ingress <- ev:
	case <-s.quit:
		return ingressResult{}, stopped
	case <-ctx.Done():
		return ingressResult{}, ctx.Err()
	}

	select {
	case res := <-ev.reply:
		return res, nil
	case <-s.quit:
		// The writer may have finished this event just before quitting.
		select {
		case res := <-ev.reply:
			return res, nil
		default:
			return ingressResult{}, stopped
		}
	case <-ctx.Done():
		return ingressResult{}, ctx.Err()
	}
}

// Terminate closes the session's backend, waits up to the grace period for
// the reader to notice, marks the session Stopped, flushes it to the store
// and removes it. Terminating an unknown or already removed id returns
// NotFound.
func (r *Registry) Terminate(ctx context.Context, id string) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	// A session that already exited stays listed until reaped, but it is
	// no longer live and cannot be terminated.
	if s.state() == models.StateStopped || !s.terminating.CompareAndSwap(false, true) {
		return models.NotFound(id)
	}
	r.stop(ctx, s, "terminated")
	r.remove(id)
	r.logger.Info("session terminated", "session", id)
	return nil
}

func (r *Registry) stop(ctx context.Context, s *session, cause string) {
	s.markStopped(cause)
	s.backend.Close()

	timer := time.NewTimer(r.opts.TerminateGrace)
	defer timer.Stop()
	select {
	case <-s.readerDone:
	case <-timer.C:
		r.logger.Warn("reader did not exit within grace period", "session", s.id)
	case <-ctx.Done():
	}
	s.release()
	r.persist(s)
}

// ReapStopped removes sessions whose backend ended on its own. Their
// metadata was flushed when they stopped.
func (r *Registry) ReapStopped() int {
	var ids []string
	r.each(func(s *session) {
		if s.state() == models.StateStopped {
			ids = append(ids, s.id)
		}
	})
	for _, id := range ids {
		r.remove(id)
	}
	if len(ids) > 0 {
		r.logger.Debug("reaped stopped sessions", "count", len(ids))
	}
	return len(ids)
}

// Status is a daemon-wide snapshot.
func (r *Registry) Status() models.Status {
	st := models.Status{Uptime: time.Since(r.started)}
	r.each(func(s *session) {
		st.NumSessions++
		s.mu.Lock()
		st.NumClients += len(s.clients)
		s.mu.Unlock()
	})
	return st
}

// Restore starts a new session from the persisted config of a previous
// one. Remote sessions need auth again; it is never stored.
func (r *Registry) Restore(ctx context.Context, persistedID string, auth *models.AuthMethod) (string, error) {
	if r.opts.Store == nil {
		return "", models.Errorf(models.ErrKindInvalidRequest, "no persistence store configured")
	}
	if s, err := r.lookup(persistedID); err == nil && s.state() != models.StateStopped {
		return "", models.Errorf(models.ErrKindInvalidRequest, "session %s is still running", persistedID)
	}
	prev, err := r.opts.Store.Get(ctx, persistedID)
	if err != nil {
		return "", err
	}
	return r.Create(ctx, prev.Name, prev.Config, auth)
}

// Shutdown terminates every session in parallel, flushing each to the store.
func (r *Registry) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	r.each(func(s *session) {
		if !s.terminating.CompareAndSwap(false, true) {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.stop(ctx, s, "daemon shutdown")
			r.remove(s.id)
		}()
	})
	wg.Wait()
}

func (r *Registry) persist(s *session) {
	if r.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.opts.Store.SaveMetadata(ctx, s.snapshot()); err != nil {
		r.logger.Warn("persist session metadata", "session", s.id, "err", err)
	}
}
