// Package session buffers annotated video runs until they are exported.
package session

import (
	"container/list"
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/underwater-trash-detector/internal/logger"
)

// ErrSessionNotFound is returned for unknown, expired or drained tokens.
var ErrSessionNotFound = errors.New("session not found")

// Session is one buffered run: the annotated frames kept as decoded
// images plus what is needed to mux them back into a video.
type Session struct {
	Token           string
	Frames          []image.Image
	FPS             float64
	Width           int
	Height          int
	TotalFrames     int
	ProcessedFrames int
	CreatedAt       time.Time
}

// Info is the metadata of a session without its frames.
type Info struct {
	Token           string    `json:"session_id"`
	FPS             float64   `json:"fps"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	TotalFrames     int       `json:"total_frames"`
	ProcessedFrames int       `json:"processed_frames"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// EvictReason says why a session left the store without being taken.
type EvictReason string

const (
	EvictExpired  EvictReason = "expired"
	EvictCapacity EvictReason = "capacity"
)

// Config bounds the store. Zero values disable the respective limit.
type Config struct {
	TTL           time.Duration
	Capacity      int
	SweepInterval time.Duration
}

// DefaultConfig returns the limits used by the server.
func DefaultConfig() Config {
	return Config{
		TTL:           30 * time.Minute,
		Capacity:      16,
		SweepInterval: time.Minute,
	}
}

type entry struct {
	session *Session
	expires time.Time
	elem    *list.Element
}

// Store maps tokens to sessions. Entries are ordered oldest first so the
// capacity bound evicts the least recently stored session.
type Store struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List

	onEvict func(*Session, EvictReason)
}

// NewStore returns an empty store.
func NewStore(cfg Config) *Store {
	return &Store{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
		order:   list.New(),
	}
}

// OnEvict registers a callback run for every evicted session, outside the lock.
func (s *Store) OnEvict(fn func(*Session, EvictReason)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Create stores frames under a fresh random token and returns the token.
func (s *Store) Create(frames []image.Image, fps float64, width, height, totalFrames int) string {
	sess := &Session{
		Token:           uuid.NewString(),
		Frames:          frames,
		FPS:             fps,
		Width:           width,
		Height:          height,
		TotalFrames:     totalFrames,
		ProcessedFrames: len(frames),
		CreatedAt:       s.now(),
	}
	s.put(sess)
	logger.Debug("Session", "Created %s (%d frames, %dx%d @ %.2f fps)", sess.Token, len(frames), width, height, fps)
	return sess.Token
}

// Restore puts back a session previously returned by Take, for example
// after a failed export. Its expiry restarts.
func (s *Store) Restore(sess *Session) {
	if sess == nil {
		return
	}
	s.put(sess)
}

func (s *Store) put(sess *Session) {
	var evicted []*Session

	s.mu.Lock()
	if old, ok := s.entries[sess.Token]; ok {
		s.order.Remove(old.elem)
		delete(s.entries, sess.Token)
	}
	e := &entry{session: sess}
	if s.cfg.TTL > 0 {
		e.expires = s.now().Add(s.cfg.TTL)
	}
	e.elem = s.order.PushBack(sess.Token)
	s.entries[sess.Token] = e

	for s.cfg.Capacity > 0 && len(s.entries) > s.cfg.Capacity {
		oldest := s.order.Front()
		token := oldest.Value.(string)
		evicted = append(evicted, s.entries[token].session)
		s.order.Remove(oldest)
		delete(s.entries, token)
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	for _, ev := range evicted {
		logger.Warn("Session", "Evicted %s to stay within capacity %d", ev.Token, s.cfg.Capacity)
		if onEvict != nil {
			onEvict(ev, EvictCapacity)
		}
	}
}

// Take removes and returns the session for token. Only one caller can
// take a given token.
func (s *Store) Take(token string) (*Session, error) {
	s.mu.Lock()
	e, ok := s.entries[token]
	if !ok {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	s.order.Remove(e.elem)
	delete(s.entries, token)
	expired := s.expired(e)
	onEvict := s.onEvict
	s.mu.Unlock()

	if expired {
		logger.Info("Session", "Expired %s on retrieval (%d frames never exported)", token, len(e.session.Frames))
		if onEvict != nil {
			onEvict(e.session, EvictExpired)
		}
		return nil, ErrSessionNotFound
	}
	return e.session, nil
}

// Peek returns session metadata without draining it.
func (s *Store) Peek(token string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[token]
	if !ok || s.expired(e) {
		return Info{}, ErrSessionNotFound
	}
	sess := e.session
	return Info{
		Token:           sess.Token,
		FPS:             sess.FPS,
		Width:           sess.Width,
		Height:          sess.Height,
		TotalFrames:     sess.TotalFrames,
		ProcessedFrames: sess.ProcessedFrames,
		CreatedAt:       sess.CreatedAt,
		ExpiresAt:       e.expires,
	}, nil
}

// Len returns the number of stored sessions, expired ones included until
// the next sweep.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) expired(e *entry) bool {
	return !e.expires.IsZero() && !s.now().Before(e.expires)
}

// Sweep drops expired sessions and returns how many were removed.
func (s *Store) Sweep() int {
	var evicted []*Session

	s.mu.Lock()
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		token := el.Value.(string)
		if e := s.entries[token]; s.expired(e) {
			evicted = append(evicted, e.session)
			s.order.Remove(el)
			delete(s.entries, token)
		}
		el = next
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	for _, ev := range evicted {
		logger.Info("Session", "Expired %s (%d frames never exported)", ev.Token, len(ev.Frames))
		if onEvict != nil {
			onEvict(ev, EvictExpired)
		}
	}
	return len(evicted)
}

// Run sweeps periodically until ctx is done.
func (s *Store) Run(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 || s.cfg.TTL <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
