package ua

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipua/pkg/sipmsg"
)

func TestSendMessage(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	tid, err := e.SendMessage("sip:bob@example.org", "", []byte("hello"))
	require.NoError(t, err)
	assert.Positive(t, tid)

	msg := tr.lastSent()
	assert.Equal(t, sip.MESSAGE, msg.Method)
	assert.Equal(t, "text/plain", sipmsg.HeaderValue(msg, "Content-Type"))
	assert.Equal(t, "hello", string(msg.Body()))
	assert.Nil(t, msg.Contact())

	respond(e, txFor(t, e, msg), answer(msg, 200, "bob-m", nil))
	evs := drain(e)
	require.Len(t, evs, 1)
	assert.Equal(t, MessageAnswered, evs[0].Type)
	assert.Equal(t, tid, evs[0].TID)
}

func TestSendMessageFailures(t *testing.T) {
	e, tr, _ := newTestEngine(t)

	_, err := e.SendMessage("<sip:bob@example.org", "", nil)
	assert.True(t, IsEngineError(err, ErrorCodeMalformed))

	_, err = e.SendOptions("sip:bob@example.org")
	require.NoError(t, err)
	opts := tr.lastSent()
	assert.Equal(t, "application/sdp", sipmsg.HeaderValue(opts, "Accept"))
	respond(e, txFor(t, e, opts), answer(opts, 404, "", nil))
	assert.Equal(t, []EventType{MessageRequestFailure}, types(drain(e)))

	tr.fail = assert.AnError
	_, err = e.SendMessage("sip:bob@example.org", "text/plain", []byte("x"))
	assert.True(t, IsEngineError(err, ErrorCodeTransport))
}

func TestIncomingMessageAnsweredByApplication(t *testing.T) {
	e, _, _ := newTestEngine(t)
	srv := receive(e, bobRequest(t, sipmsg.MethodMessage, func(p *sipmsg.RequestParams) {
		p.ContentType = "text/plain"
		p.Body = []byte("ping")
	}))
	evs := drain(e)
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, MessageNew, ev.Type)
	assert.Equal(t, "ping", ev.Body)
	assert.Empty(t, srv.codes())

	assert.True(t, IsEngineError(e.AnswerMessage(ev.TID, 50, "", nil), ErrorCodeMalformed))
	assert.True(t, IsEngineError(e.AnswerMessage(ev.TID+1000, 200, "", nil), ErrorCodeNotFound))

	require.NoError(t, e.AnswerMessage(ev.TID, 200, "", nil))
	assert.Equal(t, []int{200}, srv.codes())
	assert.NotEmpty(t, sipmsg.ToTag(srv.last()))
	assert.True(t, IsEngineError(e.AnswerMessage(ev.TID, 200, "", nil), ErrorCodeBadState))
}
