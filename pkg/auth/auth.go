// Package auth хранит учетные данные и отвечает на digest вызовы 401/407.
package auth

import (
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/pkg/errors"

	"github.com/arzzra/sipua/pkg/sipmsg"
)

// ErrNoCredentials для вызова не нашлось подходящих учетных данных.
var ErrNoCredentials = errors.New("no credentials for challenge")

// Info учетные данные.
type Info struct {
	// Username имя из From, по нему выполняется поиск.
	Username string `yaml:"username"`
	// UserID имя для digest; если пусто, используется Username.
	UserID   string `yaml:"userid,omitempty"`
	Password string `yaml:"password,omitempty"`
	// HA1 готовый хэш MD5(username:realm:password), заменяет Password.
	HA1   string `yaml:"ha1,omitempty"`
	Realm string `yaml:"realm,omitempty"`
}

func (i Info) digestUser() string {
	if i.UserID != "" {
		return i.UserID
	}
	return i.Username
}

// Cache кэш учетных данных.
type Cache struct {
	mu    sync.RWMutex
	infos []Info
	// nonces последний nonce каждого realm и число ответов на него.
	nonces map[string]nonceCount
}

type nonceCount struct {
	nonce string
	count int
}

// NewCache создает пустой кэш.
func NewCache() *Cache {
	return &Cache{}
}

// Add добавляет или заменяет запись с тем же (username, realm).
func (c *Cache) Add(info Info) error {
	if info.Username == "" {
		return errors.New("auth info without username")
	}
	if info.Password == "" && info.HA1 == "" {
		return errors.New("auth info without password or ha1")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.infos {
		if existing.Username == info.Username && existing.Realm == info.Realm {
			c.infos[i] = info
			return nil
		}
	}
	c.infos = append(c.infos, info)
	return nil
}

// Remove удаляет запись (username, realm).
func (c *Cache) Remove(username, realm string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.infos {
		if existing.Username == username && existing.Realm == realm {
			c.infos = append(c.infos[:i], c.infos[i+1:]...)
			return true
		}
	}
	return false
}

// Clear удаляет все записи.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.infos = nil
	c.nonces = nil
	c.mu.Unlock()
}

// nextCount возвращает очередное значение nc для nonce realm. Новый nonce
// начинает счет с 1.
func (c *Cache) nextCount(realm, nonce string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nonces == nil {
		c.nonces = make(map[string]nonceCount)
	}
	nc := c.nonces[realm]
	if nc.nonce != nonce {
		nc = nonceCount{nonce: nonce}
	}
	nc.count++
	c.nonces[realm] = nc
	return nc.count
}

// Len количество записей.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.infos)
}

// Find ищет запись по (username, realm); если точного совпадения нет,
// возвращается запись того же пользователя с пустым realm.
func (c *Cache) Find(username, realm string) (Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var fallback *Info
	for i := range c.infos {
		info := &c.infos[i]
		if info.Username != username {
			continue
		}
		if info.Realm == realm {
			return *info, true
		}
		if info.Realm == "" && fallback == nil {
			fallback = info
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Info{}, false
}

// Challenge вызов из ответа 401/407.
type Challenge struct {
	// Header имя заголовка, в который кладется ответ.
	Header string
	Realm  string
	chal   *digest.Challenge
}

// Challenges извлекает digest вызовы из WWW-Authenticate и Proxy-Authenticate.
func Challenges(res *sip.Response) []Challenge {
	var out []Challenge
	collect := func(name, answer string) {
		for _, h := range res.GetHeaders(name) {
			v := strings.TrimSpace(h.Value())
			if !digest.IsDigest(v) {
				continue
			}
			chal, err := digest.ParseChallenge(v)
			if err != nil || !digest.CanDigest(chal) {
				continue
			}
			out = append(out, Challenge{Header: answer, Realm: chal.Realm, chal: chal})
		}
	}
	collect("WWW-Authenticate", "Authorization")
	collect("Proxy-Authenticate", "Proxy-Authorization")
	return out
}

// Attach добавляет к запросу ответы на вызовы ответа res. Для каждого realm
// попытка делается один раз: tried хранит realm, на которые уже отвечали.
// Старые Authorization удаляются, CSeq увеличивается. Возвращает число
// добавленных заголовков; 0 означает, что повторять запрос бессмысленно.
func Attach(req *sip.Request, res *sip.Response, cache *Cache, username string, tried map[string]bool) (int, error) {
	chals := Challenges(res)
	if len(chals) == 0 {
		return 0, errors.Wrap(ErrNoCredentials, "no digest challenge in response")
	}

	type pending struct {
		header string
		value  string
		realm  string
	}
	var creds []pending
	for _, ch := range chals {
		if tried[ch.Realm] {
			continue
		}
		info, ok := cache.Find(username, ch.Realm)
		if !ok {
			continue
		}
		opts := digest.Options{
			Method:   req.Method.String(),
			URI:      req.Recipient.String(),
			Username: info.digestUser(),
			Password: info.Password,
			A1:       info.HA1,
			Count:    cache.nextCount(ch.Realm, ch.chal.Nonce),
		}
		cred, err := digest.Digest(ch.chal, opts)
		if err != nil {
			return 0, errors.Wrapf(err, "digest for realm %q", ch.Realm)
		}
		creds = append(creds, pending{header: ch.Header, value: cred.String(), realm: ch.Realm})
	}
	if len(creds) == 0 {
		return 0, errors.Wrapf(ErrNoCredentials, "user %q", username)
	}

	sipmsg.StripAuthorization(req)
	for _, c := range creds {
		req.AppendHeader(sip.NewHeader(c.header, c.value))
		tried[c.realm] = true
	}
	sipmsg.BumpCSeq(req)
	return len(creds), nil
}
