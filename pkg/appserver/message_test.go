package appserver

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageArenaScopes(t *testing.T) {
	arena := newMessageArena(false, discardLogger())
	var leaks int
	arena.onLeak = func(n int) { leaks += n }

	req := newTestRequest(sip.INVITE, "call-arena", "")

	kept := arena.wrapRequest(req)
	arena.beginScope()
	assert.Equal(t, 0, arena.endScope(), "хендлы внешней области не трогаются")

	arena.beginScope()
	sent := arena.wrapRequest(req.Clone())
	forgotten := arena.wrapResponse(newTestResponse(req, 180))
	arena.consume(sent)
	assert.Equal(t, 1, arena.endScope())

	assert.True(t, forgotten.Released())
	assert.Nil(t, forgotten.Response())
	assert.False(t, kept.Released())
	assert.Equal(t, 1, leaks)
	assert.Equal(t, 1, arena.liveCount())

	assert.Equal(t, 1, arena.releaseAll())
	assert.True(t, kept.Released())
	assert.Equal(t, 0, arena.liveCount())
}

func TestMessageArenaCheck(t *testing.T) {
	arena := newMessageArena(false, discardLogger())
	other := newMessageArena(false, discardLogger())
	var misuse []string
	arena.onMisuse = func(op string) { misuse = append(misuse, op) }

	req := newTestRequest(sip.INVITE, "call-check", "")
	m := arena.wrapRequest(req)
	require.NoError(t, arena.check("Release", m))

	foreign := other.wrapRequest(req)
	err := arena.check("AddTarget", foreign)
	require.ErrorIs(t, err, ErrUseAfterRelease)

	arena.consume(m)
	err = arena.check("CloneRequest", m)
	require.ErrorIs(t, err, ErrUseAfterRelease)
	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, KindUseAfterRelease, txErr.Kind)
	assert.Equal(t, "CloneRequest", txErr.Op)

	require.ErrorIs(t, arena.check("Release", nil), ErrUseAfterRelease)
	assert.Equal(t, []string{"AddTarget", "CloneRequest", "Release"}, misuse)
}

func TestMessageArenaStrictPanics(t *testing.T) {
	arena := newMessageArena(true, discardLogger())
	m := arena.wrapRequest(newTestRequest(sip.INVITE, "call-strict-arena", ""))
	arena.consume(m)

	assert.Panics(t, func() {
		_ = arena.check("Release", m)
	})
}

func TestMessageAccessors(t *testing.T) {
	arena := newMessageArena(false, discardLogger())
	req := newTestRequest(sip.INVITE, "call-acc", "")

	mreq := arena.wrapRequest(req)
	assert.True(t, mreq.IsRequest())
	assert.Equal(t, sip.INVITE, mreq.Method())
	assert.Equal(t, 0, mreq.StatusCode())
	assert.Same(t, req, mreq.Request())
	assert.Nil(t, mreq.Response())

	mrsp := arena.wrapResponse(newTestResponse(req, 486))
	assert.False(t, mrsp.IsRequest())
	assert.Equal(t, 486, mrsp.StatusCode())
	assert.Equal(t, sip.INVITE, mrsp.Method(), "метод берется из CSeq")

	var nilMsg *Message
	assert.True(t, nilMsg.Released())
	assert.Equal(t, sip.RequestMethod(""), nilMsg.Method())
}
