package ua

import (
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// EventType тип события для приложения.
type EventType int

const (
	EventNone EventType = iota

	RegistrationSuccess
	RegistrationFailure
	RegistrationRefreshed
	RegistrationTerminated

	CallInvite
	CallReinvite
	CallNoAnswer
	CallProceeding
	CallRinging
	CallAnswered
	CallRedirected
	CallRequestFailure
	CallServerFailure
	CallGlobalFailure
	CallAck
	CallCancelled
	CallTimeout
	CallHold
	CallOffHold
	CallClosed
	CallReleased
	CallStartAudio

	CallMessageNew
	CallMessageProceeding
	CallMessageAnswered
	CallMessageRedirected
	CallMessageRequestFailure
	CallMessageServerFailure
	CallMessageGlobalFailure
	CallReferStatus

	MessageNew
	MessageProceeding
	MessageAnswered
	MessageRedirected
	MessageRequestFailure
	MessageServerFailure
	MessageGlobalFailure

	SubscriptionNoAnswer
	SubscriptionProceeding
	SubscriptionAnswered
	SubscriptionRedirected
	SubscriptionRequestFailure
	SubscriptionServerFailure
	SubscriptionGlobalFailure
	SubscriptionNotify
	SubscriptionReleased

	InSubscriptionNew
	InSubscriptionReleased

	NotificationNoAnswer
	NotificationAnswered
	NotificationRequestFailure

	PublicationSuccess
	PublicationFailure
)

var eventNames = map[EventType]string{
	EventNone:                  "none",
	RegistrationSuccess:        "registration_success",
	RegistrationFailure:        "registration_failure",
	RegistrationRefreshed:      "registration_refreshed",
	RegistrationTerminated:     "registration_terminated",
	CallInvite:                 "call_invite",
	CallReinvite:               "call_reinvite",
	CallNoAnswer:               "call_noanswer",
	CallProceeding:             "call_proceeding",
	CallRinging:                "call_ringing",
	CallAnswered:               "call_answered",
	CallRedirected:             "call_redirected",
	CallRequestFailure:         "call_requestfailure",
	CallServerFailure:          "call_serverfailure",
	CallGlobalFailure:          "call_globalfailure",
	CallAck:                    "call_ack",
	CallCancelled:              "call_cancelled",
	CallTimeout:                "call_timeout",
	CallHold:                   "call_hold",
	CallOffHold:                "call_offhold",
	CallClosed:                 "call_closed",
	CallReleased:               "call_released",
	CallStartAudio:             "call_startaudio",
	CallMessageNew:             "call_message_new",
	CallMessageProceeding:      "call_message_proceeding",
	CallMessageAnswered:        "call_message_answered",
	CallMessageRedirected:      "call_message_redirected",
	CallMessageRequestFailure:  "call_message_requestfailure",
	CallMessageServerFailure:   "call_message_serverfailure",
	CallMessageGlobalFailure:   "call_message_globalfailure",
	CallReferStatus:            "call_refer_status",
	MessageNew:                 "message_new",
	MessageProceeding:          "message_proceeding",
	MessageAnswered:            "message_answered",
	MessageRedirected:          "message_redirected",
	MessageRequestFailure:      "message_requestfailure",
	MessageServerFailure:       "message_serverfailure",
	MessageGlobalFailure:       "message_globalfailure",
	SubscriptionNoAnswer:       "subscription_noanswer",
	SubscriptionProceeding:     "subscription_proceeding",
	SubscriptionAnswered:       "subscription_answered",
	SubscriptionRedirected:     "subscription_redirected",
	SubscriptionRequestFailure: "subscription_requestfailure",
	SubscriptionServerFailure:  "subscription_serverfailure",
	SubscriptionGlobalFailure:  "subscription_globalfailure",
	SubscriptionNotify:         "subscription_notify",
	SubscriptionReleased:       "subscription_released",
	InSubscriptionNew:          "in_subscription_new",
	InSubscriptionReleased:     "in_subscription_released",
	NotificationNoAnswer:       "notification_noanswer",
	NotificationAnswered:       "notification_answered",
	NotificationRequestFailure: "notification_requestfailure",
	PublicationSuccess:         "publication_success",
	PublicationFailure:         "publication_failure",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event событие, доставляемое приложению.
// Идентификаторы равны 0, если сущность к событию не относится.
type Event struct {
	Type EventType
	Time time.Time

	TID int // транзакция
	CID int // вызов
	DID int // диалог
	SID int // исходящая подписка
	NID int // входящая подписка
	RID int // регистрация
	PID int // публикация

	StatusCode int
	Reason     string

	Request  *sip.Request
	Response *sip.Response
	// Ack подготовленный, но не отправленный ACK на 2xx.
	Ack *sip.Request

	// Адрес и порт аудио из удаленного SDP.
	RemoteAddr string
	RemotePort int
	// Согласованная нагрузка, -1 если неизвестна.
	PayloadType int
	PayloadName string

	Body string
	// SipfragStatus код из тела message/sipfrag для CallReferStatus.
	SipfragStatus int
}

func newEvent(t EventType) *Event {
	return &Event{Type: t, Time: time.Now(), PayloadType: -1}
}

// eventQueue очередь событий со своей блокировкой, не зависящей от
// блокировки движка.
type eventQueue struct {
	mu      sync.Mutex
	items   []*Event
	limit   int
	dropped uint64
	signal  chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newEventQueue(limit int) *eventQueue {
	if limit <= 0 {
		limit = 256
	}
	return &eventQueue{
		limit:  limit,
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// push добавляет событие; при переполнении отбрасывается самое старое.
// Возвращает вытесненное событие или nil.
func (q *eventQueue) push(ev *Event) *Event {
	q.mu.Lock()
	var dropped *Event
	if len(q.items) >= q.limit {
		dropped = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return dropped
}

// droppedTotal число событий, вытесненных при переполнении.
func (q *eventQueue) droppedTotal() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *eventQueue) pop() *Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	ev := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return ev
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// wait ждет событие не дольше timeout. Нулевой timeout не блокирует.
func (q *eventQueue) wait(timeout time.Duration) *Event {
	if ev := q.pop(); ev != nil || timeout <= 0 {
		return ev
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.signal:
			if ev := q.pop(); ev != nil {
				return ev
			}
		case <-timer.C:
			return q.pop()
		case <-q.closed:
			return q.pop()
		}
	}
}

func (q *eventQueue) close() {
	q.once.Do(func() { close(q.closed) })
}
