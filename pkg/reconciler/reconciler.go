// Package reconciler turns a one-shot generation request into a
// live-updating partial reply and exactly one durable chat message. Partial
// output lives only in memory; the durable store sees a single append on
// clean completion and nothing at all on failure or cancellation.
package reconciler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"diaryai/pkg/ai"
	"diaryai/pkg/domain"
)

// State is the reconciliation phase for one session.
type State string

const (
	StateIdle      State = "idle"
	StateRequested State = "requested"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Update is published to watchers as a stream progresses. Content carries
// the accumulated text so far; within one stream it only ever grows.
type Update struct {
	SessionID string
	State     State
	Content   string
	Err       error
}

// EmptyCompletionPolicy decides what a cleanly completed stream with no
// output means.
type EmptyCompletionPolicy int

const (
	// EmptyIgnore treats an empty completion as a silent no-op.
	EmptyIgnore EmptyCompletionPolicy = iota
	// EmptyError surfaces an empty completion as a stream failure.
	EmptyError
)

// HistoryStore is the slice of the chat store the reconciler needs.
type HistoryStore interface {
	AppendMessage(sessionID, content string, isUser bool) (domain.ChatMessage, error)
	ListMessages(sessionID string, limit int) ([]domain.ChatMessage, error)
}

// Options tunes a Reconciler. Zero values select the defaults.
type Options struct {
	Persona      string
	HistoryTurns int
	EmptyPolicy  EmptyCompletionPolicy
	// StallTimeout fails a stream when the gap between chunks exceeds it.
	// Zero imposes no bound.
	StallTimeout time.Duration
}

// Reconciler runs at most one generation per session. Starting a new one
// cancels the in-flight one for that session; the superseded stream never
// commits. Cancellation handles are owned here, not by any UI lifecycle.
type Reconciler struct {
	store   HistoryStore
	gen     ai.StreamGenerator
	persona string
	turns   int
	policy  EmptyCompletionPolicy
	stall   time.Duration

	mu       sync.Mutex
	flights  map[string]*flight
	partials map[string]string
	subs     map[string]map[int]chan Update
	nextSub  int
}

type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	buf     strings.Builder
	stalled atomic.Bool
}

// New constructs a Reconciler over the given store and generator.
func New(store HistoryStore, gen ai.StreamGenerator, opts Options) *Reconciler {
	persona := opts.Persona
	if strings.TrimSpace(persona) == "" {
		persona = DefaultPersona
	}
	turns := opts.HistoryTurns
	if turns <= 0 {
		turns = defaultHistoryTurns
	}
	return &Reconciler{
		store:    store,
		gen:      gen,
		persona:  persona,
		turns:    turns,
		policy:   opts.EmptyPolicy,
		stall:    opts.StallTimeout,
		flights:  make(map[string]*flight),
		partials: make(map[string]string),
		subs:     make(map[string]map[int]chan Update),
	}
}

// Generate starts a reconciliation for the session, superseding any prior
// in-flight one. The user turn is expected to be committed already; it is
// not re-persisted here.
func (r *Reconciler) Generate(sessionID, userContent string) error {
	if strings.TrimSpace(userContent) == "" {
		return fmt.Errorf("%w: empty prompt", domain.ErrInvalidOperation)
	}
	history, err := r.store.ListMessages(sessionID, r.turns+1)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	prompt := buildPrompt(history, userContent)

	ctx, cancel := context.WithCancel(context.Background())
	f := &flight{ctx: ctx, cancel: cancel}

	r.mu.Lock()
	if prior, ok := r.flights[sessionID]; ok {
		prior.cancel()
	}
	r.flights[sessionID] = f
	r.publishLocked(Update{SessionID: sessionID, State: StateRequested})
	r.mu.Unlock()

	go r.run(f, sessionID, prompt)
	return nil
}

// Cancel tears down the in-flight reconciliation for the session, if any.
// No message is committed on its behalf.
func (r *Reconciler) Cancel(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.flights[sessionID]; ok {
		f.cancel()
	}
}

// InFlight reports whether a reconciliation is active for the session.
func (r *Reconciler) InFlight(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.flights[sessionID]
	return ok
}

// Partial returns the transient accumulated text for the session.
func (r *Reconciler) Partial(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	text, ok := r.partials[sessionID]
	return text, ok
}

// Watch subscribes to updates for one session. The returned cancel func
// must be called to release the subscription. Delivery drops the oldest
// pending update under a slow reader; the latest state always arrives.
func (r *Reconciler) Watch(sessionID string) (<-chan Update, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan Update, 16)
	if r.subs[sessionID] == nil {
		r.subs[sessionID] = make(map[int]chan Update)
	}
	r.subs[sessionID][id] = ch
	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if set, ok := r.subs[sessionID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.subs, sessionID)
			}
		}
	}
	return ch, cancel
}

func (r *Reconciler) run(f *flight, sessionID, prompt string) {
	defer f.cancel()

	var stallTimer *time.Timer
	if r.stall > 0 {
		stallTimer = time.AfterFunc(r.stall, func() {
			f.stalled.Store(true)
			f.cancel()
		})
		defer stallTimer.Stop()
	}

	onChunk := func(text string) error {
		if err := f.ctx.Err(); err != nil {
			// A chunk already in flight when cancellation was requested
			// is dropped silently.
			return err
		}
		if stallTimer != nil {
			stallTimer.Reset(r.stall)
		}
		f.buf.WriteString(text)
		snapshot := f.buf.String()
		r.mu.Lock()
		if r.flights[sessionID] == f {
			r.partials[sessionID] = snapshot
			r.publishLocked(Update{SessionID: sessionID, State: StateStreaming, Content: snapshot})
		}
		r.mu.Unlock()
		return nil
	}

	streamErr := r.gen.StreamText(f.ctx, r.persona, prompt, onChunk)

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.flights[sessionID] == f
	if current {
		delete(r.flights, sessionID)
		delete(r.partials, sessionID)
	}
	if !current || f.ctx.Err() != nil {
		if current {
			if f.stalled.Load() {
				r.publishLocked(Update{
					SessionID: sessionID,
					State:     StateFailed,
					Err:       fmt.Errorf("%w: stream stalled", domain.ErrStreamFailed),
				})
			} else {
				r.publishLocked(Update{SessionID: sessionID, State: StateCancelled})
			}
		}
		return
	}
	if streamErr != nil {
		r.publishLocked(Update{
			SessionID: sessionID,
			State:     StateFailed,
			Err:       fmt.Errorf("%w: %v", domain.ErrStreamFailed, streamErr),
		})
		return
	}

	text := f.buf.String()
	if text == "" {
		if r.policy == EmptyError {
			r.publishLocked(Update{
				SessionID: sessionID,
				State:     StateFailed,
				Err:       fmt.Errorf("%w: empty completion", domain.ErrStreamFailed),
			})
		} else {
			r.publishLocked(Update{SessionID: sessionID, State: StateCompleted})
		}
		return
	}

	// Exactly one durable append per completed stream. The lock is held so
	// a superseding Generate observes either no flight or the final commit,
	// never both an old flight and a new one racing to append.
	if _, err := r.store.AppendMessage(sessionID, text, false); err != nil {
		r.publishLocked(Update{
			SessionID: sessionID,
			State:     StateFailed,
			Err:       fmt.Errorf("commit reply: %w", err),
		})
		return
	}
	r.publishLocked(Update{SessionID: sessionID, State: StateCompleted, Content: text})
}

// publishLocked fans an update out to session watchers. Callers hold r.mu.
func (r *Reconciler) publishLocked(u Update) {
	for _, ch := range r.subs[u.SessionID] {
		select {
		case ch <- u:
		default:
			// Full buffer: drop the oldest update, then deliver.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
}
