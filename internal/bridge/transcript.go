package bridge

import (
	"strings"
	"time"
)

// Role tags an utterance with its speaker.
type Role string

const (
	// RoleUser is the caller.
	RoleUser Role = "user"

	// RoleAssistant is the upstream engine's voice.
	RoleAssistant Role = "assistant"
)

// Utterance is a finalized, role-tagged block of transcript text. It is
// immutable once emitted.
type Utterance struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Aggregator folds incremental transcript deltas into discrete utterances.
// Each role accumulates into its own buffer, so a user utterance and an
// assistant utterance under construction at the same time never contaminate
// each other.
//
// Not safe for concurrent use. The single dispatch goroutine is the only
// caller.
type Aggregator struct {
	bufs map[Role]*strings.Builder
	now  func() time.Time
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		bufs: make(map[Role]*strings.Builder, 2),
		now:  time.Now,
	}
}

// Append adds a text fragment to the buffer for role. Fragments are applied
// in call order.
func (a *Aggregator) Append(role Role, delta string) {
	buf, ok := a.bufs[role]
	if !ok {
		buf = &strings.Builder{}
		a.bufs[role] = buf
	}
	buf.WriteString(delta)
}

// Finalize seals the buffer for role into an Utterance and resets it for the
// next turn. Returns ok=false when the buffer is empty, in which case nothing
// is emitted.
func (a *Aggregator) Finalize(role Role) (Utterance, bool) {
	buf, ok := a.bufs[role]
	if !ok || buf.Len() == 0 {
		return Utterance{}, false
	}
	u := Utterance{
		Role:      role,
		Text:      buf.String(),
		Timestamp: a.now(),
	}
	buf.Reset()
	return u, true
}

// Pending reports whether any role has accumulated text that has not been
// finalized.
func (a *Aggregator) Pending() bool {
	for _, buf := range a.bufs {
		if buf.Len() > 0 {
			return true
		}
	}
	return false
}

// Discard drops all in-flight buffers without emitting partial utterances.
// Used on session teardown.
func (a *Aggregator) Discard() {
	for _, buf := range a.bufs {
		buf.Reset()
	}
}
