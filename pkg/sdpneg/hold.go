package sdpneg

import "github.com/pion/sdp/v3"

// HoldChange результат анализа входящего re-INVITE.
type HoldChange int

const (
	// HoldNone обычное пересогласование.
	HoldNone HoldChange = iota
	// HoldStart удаленная сторона поставила вызов на удержание.
	HoldStart
	// HoldStop удаленная сторона сняла удержание.
	HoldStop
)

func (h HoldChange) String() string {
	switch h {
	case HoldStart:
		return "hold"
	case HoldStop:
		return "resume"
	}
	return "none"
}

var directions = map[string]bool{
	"sendrecv": true,
	"sendonly": true,
	"recvonly": true,
	"inactive": true,
}

// direction возвращает направление медиа строки с учетом сессионного уровня.
func direction(desc *sdp.SessionDescription, md *sdp.MediaDescription) string {
	for _, a := range md.Attributes {
		if directions[a.Key] {
			return a.Key
		}
	}
	for _, a := range desc.Attributes {
		if directions[a.Key] {
			return a.Key
		}
	}
	return "sendrecv"
}

// IsOnHold сообщает, что каждая активная медиа строка помечена удержанием:
// нулевой адрес соединения либо sendonly/inactive.
func IsOnHold(desc *sdp.SessionDescription) bool {
	if desc == nil {
		return false
	}
	active := 0
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		active++
		if isZeroAddress(connectionAddress(desc, md)) {
			continue
		}
		switch direction(desc, md) {
		case "sendonly", "inactive":
			continue
		}
		return false
	}
	if active == 0 {
		return isZeroAddress(connectionAddress(desc, nil))
	}
	return true
}

// ClassifyHold сравнивает новое предложение с предыдущим состоянием удержания.
func ClassifyHold(wasOnHold bool, offer *sdp.SessionDescription) HoldChange {
	now := IsOnHold(offer)
	switch {
	case now && !wasOnHold:
		return HoldStart
	case !now && wasOnHold:
		return HoldStop
	}
	return HoldNone
}

// SetDirection заменяет атрибут направления на всех медиа строках.
func SetDirection(desc *sdp.SessionDescription, dir string) {
	desc.Attributes = withoutDirection(desc.Attributes)
	for _, md := range desc.MediaDescriptions {
		md.Attributes = append(withoutDirection(md.Attributes), sdp.NewPropertyAttribute(dir))
	}
}

func withoutDirection(attrs []sdp.Attribute) []sdp.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		if !directions[a.Key] {
			out = append(out, a)
		}
	}
	return out
}

// answerDirection зеркальное направление для ответа.
func answerDirection(offered string) string {
	switch offered {
	case "sendonly":
		return "recvonly"
	case "recvonly":
		return "sendonly"
	case "inactive":
		return "inactive"
	}
	return "sendrecv"
}
