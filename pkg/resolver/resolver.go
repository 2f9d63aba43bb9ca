// Package resolver определяет IPv4 адрес удаленной стороны для классификации
// публичный/частный адрес.
package resolver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Resolver выполняет A запросы через miekg/dns и кэширует ответы на время TTL.
type Resolver struct {
	// NameServer адрес DNS сервера ("8.8.8.8:53"). Если пусто, берется первый
	// сервер из /etc/resolv.conf.
	NameServer string
	// Timeout таймаут запроса, по умолчанию 5 секунд.
	Timeout time.Duration

	// exchange подменяется в тестах.
	exchange func(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, error)

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

type cacheEntry struct {
	addrs   []string
	expires time.Time
}

// New создает резолвер.
func New(nameServer string, timeout time.Duration) *Resolver {
	return &Resolver{NameServer: nameServer, Timeout: timeout}
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errors.Wrap(err, "read resolv.conf")
	}
	if len(conf.Servers) == 0 {
		return "", &net.DNSError{Err: "no DNS servers configured", Name: "resolv.conf"}
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

func (r *Resolver) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Resolver) doExchange(ctx context.Context, m *dns.Msg, addr string) (*dns.Msg, error) {
	if r.exchange != nil {
		return r.exchange(ctx, m, addr)
	}
	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, addr)
	return resp, err
}

// LookupHost возвращает IPv4 адреса host. IP литерал возвращается как есть.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	r.mu.Lock()
	if e, ok := r.cache[host]; ok && r.clock().Before(e.expires) {
		r.mu.Unlock()
		return e.addrs, nil
	}
	r.mu.Unlock()

	ns, err := r.nameserver()
	if err != nil {
		return nil, err
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	resp, err := r.doExchange(ctx, m, ns)
	if err != nil {
		return nil, errors.Wrapf(err, "lookup %s", host)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, &net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		}
	}

	var (
		addrs []string
		ttl   uint32
	)
	for _, ans := range resp.Answer {
		a, ok := ans.(*dns.A)
		if !ok {
			continue
		}
		addrs = append(addrs, a.A.String())
		if ttl == 0 || a.Hdr.Ttl < ttl {
			ttl = a.Hdr.Ttl
		}
	}
	if len(addrs) == 0 {
		return nil, &net.DNSError{Err: "no A records", Name: host, IsNotFound: true}
	}

	r.mu.Lock()
	if r.cache == nil {
		r.cache = map[string]cacheEntry{}
	}
	r.cache[host] = cacheEntry{addrs: addrs, expires: r.clock().Add(time.Duration(ttl) * time.Second)}
	r.mu.Unlock()
	return addrs, nil
}

// FirstHost возвращает первый адрес host или сам host при ошибке разрешения.
func (r *Resolver) FirstHost(ctx context.Context, host string) string {
	addrs, err := r.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return host
	}
	return addrs[0]
}
