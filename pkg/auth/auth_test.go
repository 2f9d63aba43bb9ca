package auth

import (
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipua/pkg/sipmsg"
)

func newRegister(t *testing.T) *sip.Request {
	t.Helper()
	var target, aor sip.Uri
	require.NoError(t, sip.ParseUri("sip:example.com", &target))
	require.NoError(t, sip.ParseUri("sip:alice@example.com", &aor))
	req, err := sipmsg.BuildRegister(sipmsg.RequestParams{
		Target:  target,
		From:    aor,
		FromTag: "t1",
		CallID:  "reg-1",
		CSeq:    1,
		Via:     sipmsg.Via{Host: "10.0.0.5", Port: 5060},
	}, 3600)
	require.NoError(t, err)
	return req
}

func challenge(code int, header, realm string) *sip.Response {
	res := sip.NewResponse(code, sipmsg.ReasonPhrase(code))
	res.AppendHeader(sip.NewHeader(header, `Digest realm="`+realm+`", nonce="abc123", algorithm=MD5`))
	return res
}

func TestCacheFind(t *testing.T) {
	c := NewCache()
	require.NoError(t, c.Add(Info{Username: "alice", Password: "secret", Realm: "example.com"}))
	require.NoError(t, c.Add(Info{Username: "alice", Password: "any"}))
	require.NoError(t, c.Add(Info{Username: "bob", HA1: "deadbeef", Realm: "example.com"}))

	info, ok := c.Find("alice", "example.com")
	require.True(t, ok)
	assert.Equal(t, "secret", info.Password)

	info, ok = c.Find("alice", "other.org")
	require.True(t, ok)
	assert.Equal(t, "any", info.Password)

	_, ok = c.Find("bob", "other.org")
	assert.False(t, ok)

	require.NoError(t, c.Add(Info{Username: "alice", Password: "changed", Realm: "example.com"}))
	assert.Equal(t, 3, c.Len())
	assert.True(t, c.Remove("alice", ""))
	assert.False(t, c.Remove("alice", ""))
	c.Clear()
	assert.Equal(t, 0, c.Len())

	assert.Error(t, c.Add(Info{Password: "x"}))
	assert.Error(t, c.Add(Info{Username: "x"}))
}

func TestAttachOncePerRealm(t *testing.T) {
	c := NewCache()
	require.NoError(t, c.Add(Info{Username: "alice", Password: "secret", Realm: "example.com"}))

	req := newRegister(t)
	req.AppendHeader(sip.NewHeader("Authorization", "Digest stale"))
	tried := map[string]bool{}

	n, err := Attach(req, challenge(401, "WWW-Authenticate", "example.com"), c, "alice", tried)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, tried["example.com"])
	assert.Len(t, req.GetHeaders("Authorization"), 1)
	assert.True(t, strings.HasPrefix(sipmsg.HeaderValue(req, "Authorization"), "Digest "))
	assert.Contains(t, sipmsg.HeaderValue(req, "Authorization"), `realm="example.com"`)
	assert.Equal(t, uint32(2), sipmsg.CSeqNo(req))

	_, err = Attach(req, challenge(401, "WWW-Authenticate", "example.com"), c, "alice", tried)
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Equal(t, uint32(2), sipmsg.CSeqNo(req))
}

func TestAttachProxyAndHA1(t *testing.T) {
	c := NewCache()
	require.NoError(t, c.Add(Info{Username: "alice", UserID: "1001", HA1: "0123456789abcdef0123456789abcdef"}))

	req := newRegister(t)
	n, err := Attach(req, challenge(407, "Proxy-Authenticate", "proxy.example.com"), c, "alice", map[string]bool{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	v := sipmsg.HeaderValue(req, "Proxy-Authorization")
	assert.Contains(t, v, `username="1001"`)
	assert.Nil(t, req.GetHeader("Authorization"))
}

func TestAttachWithoutChallenge(t *testing.T) {
	_, err := Attach(newRegister(t), sip.NewResponse(401, "Unauthorized"), NewCache(), "alice", map[string]bool{})
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestAttachCountsNonceUses(t *testing.T) {
	c := NewCache()
	require.NoError(t, c.Add(Info{Username: "alice", Password: "secret"}))
	qop := func(nonce string) *sip.Response {
		res := sip.NewResponse(401, "Unauthorized")
		res.AppendHeader(sip.NewHeader("WWW-Authenticate",
			`Digest realm="example.com", nonce="`+nonce+`", qop="auth", algorithm=MD5`))
		return res
	}

	nc := func(res *sip.Response) string {
		req := newRegister(t)
		_, err := Attach(req, res, c, "alice", map[string]bool{})
		require.NoError(t, err)
		return sipmsg.HeaderValue(req, "Authorization")
	}
	assert.Contains(t, nc(qop("n1")), "nc=00000001")
	assert.Contains(t, nc(qop("n1")), "nc=00000002")
	assert.Contains(t, nc(qop("n2")), "nc=00000001")
}
