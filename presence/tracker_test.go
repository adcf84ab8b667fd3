package presence

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wououoo/weddingAlba-sub000/logger"
)

func newTestTracker(ttl time.Duration) *Tracker {
	return NewTracker(ttl, logger.Nop())
}

func TestPresence_JoinLeave(t *testing.T) {
	tr := newTestTracker(time.Second)

	tr.Join("u1")
	tr.Join("u2")
	tr.Join("u1") // idempotent
	assert.ElementsMatch(t, []string{"u1", "u2"}, tr.Online())

	tr.Leave("u1")
	assert.ElementsMatch(t, []string{"u2"}, tr.Online())

	tr.Leave("ghost") // unknown user is a no-op
	assert.ElementsMatch(t, []string{"u2"}, tr.Online())
}

func TestPresence_SeedReplaces(t *testing.T) {
	tr := newTestTracker(time.Second)
	tr.Join("stale")

	tr.SeedOnline([]string{"u1", "u2"})

	assert.ElementsMatch(t, []string{"u1", "u2"}, tr.Online())
}

func TestTyping_ExpiresAfterTTL(t *testing.T) {
	tr := newTestTracker(30 * time.Millisecond)

	tr.Typing("u1")
	assert.ElementsMatch(t, []string{"u1"}, tr.TypingUsers())

	assert.Eventually(t, func() bool {
		return len(tr.TypingUsers()) == 0
	}, time.Second, 5*time.Millisecond, "typing entry must expire without refresh")
}

func TestTyping_RefreshExtendsExpiry(t *testing.T) {
	tr := newTestTracker(60 * time.Millisecond)

	tr.Typing("u1")
	time.Sleep(40 * time.Millisecond)
	tr.Typing("u1") // refresh, not a second timer
	time.Sleep(40 * time.Millisecond)

	assert.ElementsMatch(t, []string{"u1"}, tr.TypingUsers(),
		"refreshed entry must survive past the original deadline")
}

func TestTyping_StaleExpiryCannotRemoveRefreshedEntry(t *testing.T) {
	tr := newTestTracker(time.Minute)

	tr.Typing("u1")
	tr.Typing("u1") // refresh bumps the generation

	// The pre-refresh expiry callback arriving late.
	tr.expire("u1", 0)

	assert.ElementsMatch(t, []string{"u1"}, tr.TypingUsers(),
		"a refreshed typist must not flicker off")

	// The current generation still expires normally.
	tr.expire("u1", 1)
	assert.Empty(t, tr.TypingUsers())
}

func TestTyping_StopRemovesImmediately(t *testing.T) {
	tr := newTestTracker(time.Minute)

	tr.Typing("u1")
	tr.StopTyping("u1")

	assert.Empty(t, tr.TypingUsers())
}

func TestTyping_StopWithoutStartIsNoop(t *testing.T) {
	tr := newTestTracker(time.Minute)
	tr.StopTyping("u1")
	assert.Empty(t, tr.TypingUsers())
}

func TestStop_CancelsPendingExpiry(t *testing.T) {
	tr := newTestTracker(20 * time.Millisecond)
	var fired atomic.Int32
	tr.OnChange(func() { fired.Add(1) })

	tr.Typing("u1")
	before := fired.Load()
	tr.Stop()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, before, fired.Load(), "no callback may fire after Stop")
	assert.Empty(t, tr.TypingUsers())
}

func TestOnChange_FiresOnMutation(t *testing.T) {
	tr := newTestTracker(time.Minute)
	var fired atomic.Int32
	tr.OnChange(func() { fired.Add(1) })

	tr.Join("u1")
	tr.Join("u1") // no change, no callback
	tr.Leave("u1")
	tr.Typing("u2")
	tr.StopTyping("u2")

	assert.Equal(t, int32(4), fired.Load())
}
