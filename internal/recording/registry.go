package recording

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/meeting-recorder/internal/shared"
)

type entry struct {
	session *Session
	ready   chan struct{}
	err     error
}

// Registry holds at most one session per source. Sessions are only created
// through StartIfAbsent and only removed through Stop.
type Registry struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	last    map[string]Result
}

func NewRegistry(cfg Config) *Registry {
	cfg = cfg.normalize()
	return &Registry{
		cfg:     cfg,
		log:     cfg.Log.With("component", "session_registry"),
		entries: make(map[string]*entry),
		last:    make(map[string]Result),
	}
}

// StartIfAbsent starts a session for sourceID, or returns the one already
// running or starting for it. A failed start leaves no entry behind.
func (r *Registry) StartIfAbsent(ctx context.Context, sourceID string, params Params) (*Session, error) {
	r.mu.Lock()
	if e, ok := r.entries[sourceID]; ok {
		r.mu.Unlock()
		return r.await(ctx, e)
	}

	s := newSession(sourceID, params, r.cfg, r.aborted)
	e := &entry{session: s, ready: make(chan struct{})}
	r.entries[sourceID] = e
	delete(r.last, sourceID)
	r.mu.Unlock()

	r.log.Info("starting session", "source_id", sourceID, "session_id", s.ID(), "meeting", params.MeetingName)

	if err := s.Start(ctx); err != nil {
		r.mu.Lock()
		if r.entries[sourceID] == e {
			delete(r.entries, sourceID)
		}
		r.mu.Unlock()
		e.err = err
		close(e.ready)
		return nil, err
	}

	close(e.ready)
	return s, nil
}

func (r *Registry) await(ctx context.Context, e *entry) (*Session, error) {
	select {
	case <-e.ready:
	default:
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.session, nil
}

// Stop finalizes the session for sourceID. Stopping a source whose session
// already closed returns that session's result again.
func (r *Registry) Stop(ctx context.Context, sourceID string) (Result, error) {
	r.mu.Lock()
	e, ok := r.entries[sourceID]
	if !ok {
		res, closed := r.last[sourceID]
		r.mu.Unlock()
		if closed {
			return res, nil
		}
		return Result{}, shared.ErrNotFound
	}
	r.mu.Unlock()

	s, err := r.await(ctx, e)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, err
		}
		return Result{}, shared.ErrNotFound
	}

	res, err := s.Stop(ctx)
	if err != nil {
		return res, err
	}

	r.mu.Lock()
	if r.entries[sourceID] == e {
		delete(r.entries, sourceID)
		r.last[sourceID] = res
	}
	r.mu.Unlock()

	r.log.Info("session stopped", "source_id", sourceID, "session_id", res.SessionID)
	return res, nil
}

// StopAll stops every session, as a bare STOP_RECORDING does.
func (r *Registry) StopAll(ctx context.Context) []Result {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)

	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		res, err := r.Stop(ctx, id)
		if err != nil {
			r.log.Warn("stop failed", "source_id", id, "error", err)
			continue
		}
		results = append(results, res)
	}
	return results
}

// Get returns the running session for sourceID. Sessions still starting are
// not returned.
func (r *Registry) Get(sourceID string) (*Session, bool) {
	r.mu.Lock()
	e, ok := r.entries[sourceID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.err != nil {
		return nil, false
	}
	return e.session, true
}

// Start is StartIfAbsent for callers that only need a snapshot.
func (r *Registry) Start(ctx context.Context, sourceID string, params Params) (Info, error) {
	s, err := r.StartIfAbsent(ctx, sourceID, params)
	if err != nil {
		return Info{}, err
	}
	return s.Info(), nil
}

func (r *Registry) Info(sourceID string) (Info, bool) {
	s, ok := r.Get(sourceID)
	if !ok {
		return Info{}, false
	}
	return s.Info(), true
}

func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].SourceID < infos[j].SourceID })
	return infos
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) aborted(s *Session, err error) {
	r.log.Warn("session aborted", "source_id", s.SourceID(), "session_id", s.ID(), "error", err)
	if _, stopErr := r.Stop(context.Background(), s.SourceID()); stopErr != nil {
		r.log.Error("failed to stop aborted session", "source_id", s.SourceID(), "error", stopErr)
	}
}

func (r *Registry) Close(ctx context.Context) error {
	r.StopAll(ctx)
	return nil
}
