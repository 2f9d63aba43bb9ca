package ua

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipua/pkg/auth"
	"github.com/arzzra/sipua/pkg/sipmsg"
)

func registrarOK(req *sip.Request, expires string) *sip.Response {
	res := answer(req, 200, "reg", nil)
	if expires != "" {
		res.AppendHeader(sip.NewHeader("Expires", expires))
	}
	return res
}

func TestClampPeriod(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{50, 200},
		{200, 200},
		{1800, 1800},
		{3600, 3600},
		{10000, 3600},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, clampPeriod(tt.in), "period %d", tt.in)
	}
}

func TestRegisterLifecycle(t *testing.T) {
	e, tr, clk := newTestEngine(t)
	rid, err := e.Register(RegisterParams{Period: 50})
	require.NoError(t, err)
	reg := tr.lastSent()
	assert.Equal(t, sip.REGISTER, reg.Method)
	assert.Equal(t, "sip:example.com", reg.Recipient.String())
	assert.Equal(t, "200", sipmsg.HeaderValue(reg, "Expires"))
	assert.Equal(t, uint32(1), sipmsg.CSeqNo(reg))

	respond(e, txFor(t, e, reg), registrarOK(reg, "10000"))
	success := findEvent(drain(e), RegistrationSuccess)
	require.NotNil(t, success)
	assert.Equal(t, rid, success.RID)

	info, ok := e.FindRegistration(rid)
	require.True(t, ok)
	assert.True(t, info.Registered)
	assert.Equal(t, 3600, info.Period)
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.registrations))

	// Обновление не позднее чем через 300 секунд.
	clk.Advance(299 * time.Second)
	e.step(nil)
	assert.Same(t, reg, tr.lastSent())

	clk.Advance(2 * time.Second)
	e.step(nil)
	refresh := tr.lastSent()
	require.NotSame(t, reg, refresh)
	assert.Equal(t, sipmsg.CallID(reg), sipmsg.CallID(refresh))
	assert.Equal(t, uint32(2), sipmsg.CSeqNo(refresh))

	respond(e, txFor(t, e, refresh), registrarOK(refresh, "3600"))
	assert.Equal(t, []EventType{RegistrationRefreshed}, types(drain(e)))

	require.NoError(t, e.Unregister(rid))
	unreg := tr.lastSent()
	assert.Equal(t, "0", sipmsg.HeaderValue(unreg, "Expires"))
	assert.True(t, IsEngineError(e.Unregister(rid), ErrorCodeTransactionPending))

	respond(e, txFor(t, e, unreg), registrarOK(unreg, "0"))
	assert.Equal(t, []EventType{RegistrationTerminated}, types(drain(e)))
	assert.Equal(t, float64(0), testutil.ToFloat64(e.metrics.registrations))

	info, ok = e.FindRegistration(rid)
	require.True(t, ok)
	assert.False(t, info.Registered)
}

func TestRegisterSamePairReusesRegistration(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	rid, err := e.Register(RegisterParams{Registrar: "sip:registrar.example.com"})
	require.NoError(t, err)
	first := tr.lastSent()

	_, err = e.Register(RegisterParams{Registrar: "sip:registrar.example.com"})
	assert.True(t, IsEngineError(err, ErrorCodeTransactionPending))

	respond(e, txFor(t, e, first), registrarOK(first, ""))
	drain(e)

	again, err := e.Register(RegisterParams{Registrar: "sip:registrar.example.com", Period: 1800})
	require.NoError(t, err)
	assert.Equal(t, rid, again)
	second := tr.lastSent()
	assert.Equal(t, sipmsg.CallID(first), sipmsg.CallID(second))
	assert.Equal(t, "1800", sipmsg.HeaderValue(second, "Expires"))
}

func TestRegisterAuthChallenge(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	require.NoError(t, e.AddAuthInfo(auth.Info{Username: "alice", Password: "secret", Realm: "example.com"}))
	_, err := e.Register(RegisterParams{})
	require.NoError(t, err)
	reg := tr.lastSent()

	challenge := answer(reg, 407, "", nil)
	challenge.AppendHeader(sip.NewHeader("Proxy-Authenticate", `Digest realm="example.com", nonce="abc123", algorithm=MD5`))
	respond(e, txFor(t, e, reg), challenge)
	failure := findEvent(drain(e), RegistrationFailure)
	require.NotNil(t, failure)
	assert.Equal(t, 407, failure.StatusCode)

	require.NoError(t, e.DefaultAction(failure))
	retry := tr.lastSent()
	assert.Equal(t, uint32(2), sipmsg.CSeqNo(retry))
	assert.Contains(t, sipmsg.HeaderValue(retry, "Proxy-Authorization"), `username="alice"`)

	respond(e, txFor(t, e, retry), registrarOK(retry, "3600"))
	assert.Equal(t, []EventType{RegistrationSuccess}, types(drain(e)))
	assert.True(t, IsEngineError(e.DefaultAction(failure), ErrorCodeBadState))
}

func TestRegisterIntervalTooBrief(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	rid, err := e.Register(RegisterParams{Period: 300})
	require.NoError(t, err)
	reg := tr.lastSent()

	brief := answer(reg, 423, "", nil)
	brief.AppendHeader(sip.NewHeader("Min-Expires", "900"))
	respond(e, txFor(t, e, reg), brief)
	assert.Equal(t, []EventType{RegistrationFailure}, types(drain(e)))

	info, ok := e.FindRegistration(rid)
	require.True(t, ok)
	assert.Equal(t, 900, info.Period)
}

func TestRegisterTimeout(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	rid, err := e.Register(RegisterParams{})
	require.NoError(t, err)

	killTx(e, txFor(t, e, tr.lastSent()), nil)
	failure := findEvent(drain(e), RegistrationFailure)
	require.NotNil(t, failure)
	assert.Equal(t, rid, failure.RID)
	assert.Equal(t, "timeout", failure.Reason)
}

func TestRemoveAuthInfo(t *testing.T) {
	e, _, _ := newTestEngine(t)
	require.NoError(t, e.AddAuthInfo(auth.Info{Username: "alice", Password: "secret", Realm: "example.com"}))
	require.NoError(t, e.RemoveAuthInfo("alice", "example.com"))
	assert.True(t, IsEngineError(e.RemoveAuthInfo("alice", "example.com"), ErrorCodeNotFound))
}
