package ua

import (
	"time"

	"github.com/arzzra/sipua/pkg/sipmsg"
)

// idWrap значение, после которого общий счетчик идентификаторов начинается заново.
const idWrap = 100000

type entity interface {
	comparable
	ident() *int
}

// registry хранит сущности по идентификатору. Новые сущности получают
// id = -1 и ждут в pending до прохода assignIDs.
type registry[T entity] struct {
	items   map[int]T
	pending []T
}

func newRegistry[T entity]() *registry[T] {
	return &registry[T]{items: make(map[int]T)}
}

func (r *registry[T]) add(x T) {
	*x.ident() = -1
	r.pending = append(r.pending, x)
}

func (r *registry[T]) get(id int) (T, bool) {
	x, ok := r.items[id]
	return x, ok
}

func (r *registry[T]) remove(x T) bool {
	if id := *x.ident(); id > 0 {
		if cur, ok := r.items[id]; ok && cur == x {
			delete(r.items, id)
			return true
		}
	}
	for i, p := range r.pending {
		if p == x {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return true
		}
	}
	return false
}

// each обходит все сущности, включая ожидающие идентификатор.
// Обход прекращается, когда fn возвращает false.
func (r *registry[T]) each(fn func(T) bool) {
	for _, x := range r.pending {
		if !fn(x) {
			return
		}
	}
	for _, x := range r.items {
		if !fn(x) {
			return
		}
	}
}

func (r *registry[T]) find(fn func(T) bool) (T, bool) {
	var (
		found T
		ok    bool
	)
	r.each(func(x T) bool {
		if fn(x) {
			found, ok = x, true
			return false
		}
		return true
	})
	return found, ok
}

func (r *registry[T]) len() int {
	return len(r.items) + len(r.pending)
}

func (r *registry[T]) assign(next func() int) {
	for _, x := range r.pending {
		id := next()
		for _, busy := r.items[id]; busy; _, busy = r.items[id] {
			id = next()
		}
		*x.ident() = id
		r.items[id] = x
	}
	r.pending = r.pending[:0]
}

// EngineState все реестры движка. Изменяется только под блокировкой движка.
type EngineState struct {
	calls         *registry[*Call]
	dialogs       *registry[*Dialog]
	subscribes    *registry[*Subscribe]
	notifies      *registry[*Notify]
	registrations *registry[*Registration]
	publications  *registry[*Publication]

	// txs все живые транзакции по идентификатору.
	txs map[int]*Transaction
	// pool завершенные транзакции, ожидающие сборки.
	pool []*Transaction

	counter   int
	txCounter int
	lastSweep time.Time
}

func newEngineState() *EngineState {
	return &EngineState{
		calls:         newRegistry[*Call](),
		dialogs:       newRegistry[*Dialog](),
		subscribes:    newRegistry[*Subscribe](),
		notifies:      newRegistry[*Notify](),
		registrations: newRegistry[*Registration](),
		publications:  newRegistry[*Publication](),
		txs:           make(map[int]*Transaction),
	}
}

func (s *EngineState) nextID() int {
	s.counter++
	if s.counter >= idWrap {
		s.counter = 1
	}
	return s.counter
}

// assignIDs раздает идентификаторы всем новым сущностям.
func (s *EngineState) assignIDs() {
	s.calls.assign(s.nextID)
	s.dialogs.assign(s.nextID)
	s.subscribes.assign(s.nextID)
	s.notifies.assign(s.nextID)
	s.registrations.assign(s.nextID)
	s.publications.assign(s.nextID)
}

func (s *EngineState) nextTxID() int {
	s.txCounter++
	if s.txCounter >= idWrap {
		s.txCounter = 1
	}
	for _, busy := s.txs[s.txCounter]; busy; _, busy = s.txs[s.txCounter] {
		s.txCounter++
		if s.txCounter >= idWrap {
			s.txCounter = 1
		}
	}
	return s.txCounter
}

// findLast ищет самую свежую транзакцию метода в списке.
func findLast(list []*Transaction, method sipmsg.Method) *Transaction {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Method == method {
			return list[i]
		}
	}
	return nil
}

func removeTx(list []*Transaction, tx *Transaction) ([]*Transaction, bool) {
	for i, t := range list {
		if t == tx {
			return append(list[:i], list[i+1:]...), true
		}
	}
	return list, false
}
