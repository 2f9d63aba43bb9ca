// Package sdpneg строит SDP предложения и ответы для вызовов, подменяет адреса
// для работы за firewall и определяет удержание вызова.
package sdpneg

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/sdp/v3"
)

// Config статическая конфигурация медиа.
type Config struct {
	Codecs      []Codec
	LocalIP     string
	FirewallIP  string
	SessionName string
	Username    string
}

// Context контекст согласования одного вызова.
type Context struct {
	// LocalPort порт аудио; видео использует LocalPort+2.
	LocalPort int
	// FarEnd разрешенный адрес удаленной стороны.
	FarEnd string

	LocalOffer   *sdp.SessionDescription
	LocalAnswer  *sdp.SessionDescription
	RemoteOffer  *sdp.SessionDescription
	RemoteAnswer *sdp.SessionDescription

	LocalHold  bool
	RemoteHold bool
}

// Negotiator строит предложения и ответы из статического списка кодеков.
type Negotiator struct {
	cfg       Config
	sessionID uint64
	version   atomic.Uint64
}

// NewNegotiator создает согласователь.
func NewNegotiator(cfg Config) (*Negotiator, error) {
	if len(cfg.Codecs) == 0 {
		return nil, NewSDPError(ErrorCodeInvalidConfig, "codec list is empty")
	}
	if cfg.LocalIP == "" {
		return nil, NewSDPError(ErrorCodeInvalidConfig, "local ip is empty")
	}
	if cfg.SessionName == "" {
		cfg.SessionName = "sipua"
	}
	if cfg.Username == "" {
		cfg.Username = "-"
	}
	n := &Negotiator{cfg: cfg, sessionID: uint64(time.Now().Unix())}
	n.version.Store(n.sessionID)
	return n, nil
}

// Codecs возвращает сконфигурированные кодеки.
func (n *Negotiator) Codecs() []Codec {
	return n.cfg.Codecs
}

func newSession(username, name, ip string, id, version uint64) *sdp.SessionDescription {
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       username,
			SessionID:      id,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    addressType(ip),
			UnicastAddress: ip,
		},
		SessionName:           sdp.SessionName(name),
		ConnectionInformation: newConnection(ip),
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

func mediaPort(media string, localPort int) int {
	if media == "video" {
		return localPort + 2
	}
	return localPort
}

// BuildOffer строит предложение: одна строка m= на каждый тип медиа из списка
// кодеков в порядке первого появления, b=AS для нагрузок 110 и 111.
func BuildOffer(codecs []Codec, localIP string, localPort int) (*sdp.SessionDescription, error) {
	if len(codecs) == 0 {
		return nil, NewSDPError(ErrorCodeGenerate, "no codecs to offer")
	}
	now := uint64(time.Now().Unix())
	desc := newSession("-", "sipua", localIP, now, now)

	byMedia := map[string]*sdp.MediaDescription{}
	for _, c := range codecs {
		media := c.mediaType()
		md, ok := byMedia[media]
		if !ok {
			md = &sdp.MediaDescription{
				MediaName: sdp.MediaName{
					Media:  media,
					Port:   sdp.RangedPort{Value: mediaPort(media, localPort)},
					Protos: []string{"RTP", "AVP"},
				},
			}
			byMedia[media] = md
			desc.MediaDescriptions = append(desc.MediaDescriptions, md)
		}
		md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(c.PayloadType)))
		md.Attributes = append(md.Attributes, sdp.NewAttribute("rtpmap", c.Rtpmap()))
		if c.Fmtp != "" {
			md.Attributes = append(md.Attributes,
				sdp.NewAttribute("fmtp", strconv.Itoa(int(c.PayloadType))+" "+c.Fmtp))
		}
		if as, ok := highBandwidthPayloads[c.PayloadType]; ok {
			md.Bandwidth = append(md.Bandwidth, sdp.Bandwidth{Type: "AS", Bandwidth: as})
		}
	}
	for _, md := range desc.MediaDescriptions {
		md.Attributes = append(md.Attributes, sdp.NewPropertyAttribute("sendrecv"))
	}
	return desc, nil
}

func (n *Negotiator) stamp(desc *sdp.SessionDescription) {
	desc.Origin.Username = n.cfg.Username
	desc.Origin.SessionID = n.sessionID
	desc.Origin.SessionVersion = n.version.Add(1)
	desc.SessionName = sdp.SessionName(n.cfg.SessionName)
}

// Offer строит локальное предложение для вызова и сохраняет его в контексте.
func (n *Negotiator) Offer(ctx *Context) (*sdp.SessionDescription, error) {
	desc, err := BuildOffer(n.cfg.Codecs, n.cfg.LocalIP, ctx.LocalPort)
	if err != nil {
		return nil, err
	}
	n.stamp(desc)
	if ctx.LocalHold {
		SetDirection(desc, "sendonly")
	}
	applyFirewall(desc, n.cfg.FirewallIP, ctx.FarEnd)
	ctx.LocalOffer = desc
	ctx.RemoteAnswer = nil
	return desc, nil
}

type remoteFormat struct {
	pt    uint8
	name  string
	clock uint32
}

func remoteFormats(md *sdp.MediaDescription) []remoteFormat {
	maps := map[uint8]remoteFormat{}
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		if pt, name, clock, ok := parseRtpmap(a.Value); ok {
			maps[pt] = remoteFormat{pt: pt, name: name, clock: clock}
		}
	}
	var out []remoteFormat
	for _, f := range md.MediaName.Formats {
		v, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			continue
		}
		pt := uint8(v)
		if rf, ok := maps[pt]; ok {
			out = append(out, rf)
			continue
		}
		if st, ok := staticPayloads[pt]; ok {
			out = append(out, remoteFormat{pt: pt, name: st.Name, clock: st.ClockRate})
		}
	}
	return out
}

func (n *Negotiator) match(media string, rf remoteFormat) (Codec, bool) {
	for _, c := range n.cfg.Codecs {
		if c.mediaType() != media {
			continue
		}
		if rf.pt < 96 && c.PayloadType == rf.pt {
			return c, true
		}
		if strings.EqualFold(c.Name, rf.name) && (rf.clock == 0 || c.ClockRate == rf.clock) {
			return c, true
		}
	}
	return Codec{}, false
}

// BuildAnswer сопоставляет удаленное предложение с локальными кодеками.
// Строки без общих кодеков отклоняются портом 0; если не осталось ни одной,
// возвращается ошибка с кодом ErrorCodeNotAcceptable.
func (n *Negotiator) BuildAnswer(offer *sdp.SessionDescription, ctx *Context) (*sdp.SessionDescription, error) {
	if offer == nil {
		return nil, NewSDPError(ErrorCodeNotAcceptable, "no remote offer")
	}
	answer := newSession(n.cfg.Username, n.cfg.SessionName, n.cfg.LocalIP, n.sessionID, 0)
	n.stamp(answer)

	accepted := 0
	for _, rmd := range offer.MediaDescriptions {
		media := strings.ToLower(rmd.MediaName.Media)
		amd := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  rmd.MediaName.Media,
				Protos: rmd.MediaName.Protos,
			},
		}
		answer.MediaDescriptions = append(answer.MediaDescriptions, amd)

		var realCodec bool
		if rmd.MediaName.Port.Value != 0 {
			for _, rf := range remoteFormats(rmd) {
				c, ok := n.match(media, rf)
				if !ok {
					continue
				}
				c.PayloadType = rf.pt
				amd.MediaName.Formats = append(amd.MediaName.Formats, strconv.Itoa(int(rf.pt)))
				amd.Attributes = append(amd.Attributes, sdp.NewAttribute("rtpmap", c.Rtpmap()))
				if c.Fmtp != "" {
					amd.Attributes = append(amd.Attributes,
						sdp.NewAttribute("fmtp", strconv.Itoa(int(rf.pt))+" "+c.Fmtp))
				}
				if !strings.EqualFold(c.Name, "telephone-event") {
					realCodec = true
				}
			}
		}
		if !realCodec {
			amd.MediaName.Port = sdp.RangedPort{Value: 0}
			amd.MediaName.Formats = rmd.MediaName.Formats
			if len(amd.MediaName.Formats) > 1 {
				amd.MediaName.Formats = amd.MediaName.Formats[:1]
			}
			amd.Attributes = nil
			continue
		}
		accepted++
		amd.MediaName.Port = sdp.RangedPort{Value: mediaPort(media, ctx.LocalPort)}
		dir := answerDirection(direction(offer, rmd))
		if ctx.LocalHold && dir == "sendrecv" {
			dir = "sendonly"
		}
		amd.Attributes = append(amd.Attributes, sdp.NewPropertyAttribute(dir))
	}
	if accepted == 0 {
		return nil, NewSDPError(ErrorCodeNotAcceptable, "no common codec with remote offer")
	}

	applyFirewall(answer, n.cfg.FirewallIP, ctx.FarEnd)
	ctx.RemoteOffer = offer
	ctx.RemoteHold = IsOnHold(offer)
	ctx.LocalAnswer = answer
	return answer, nil
}

// ProcessAnswer сохраняет удаленный ответ на наше предложение.
func (n *Negotiator) ProcessAnswer(answer *sdp.SessionDescription, ctx *Context) error {
	if answer == nil {
		return NewSDPError(ErrorCodeNotAcceptable, "empty answer")
	}
	for _, md := range answer.MediaDescriptions {
		if md.MediaName.Port.Value != 0 && len(md.MediaName.Formats) > 0 {
			ctx.RemoteAnswer = answer
			ctx.LocalAnswer = nil
			return nil
		}
	}
	return NewSDPError(ErrorCodeNotAcceptable, "all media lines rejected in answer")
}

// RetrieveNegotiatedPayload возвращает номер и имя нагрузки первой аудио
// строки согласованного ответа.
func RetrieveNegotiatedPayload(ctx *Context) (int, string, error) {
	desc := ctx.LocalAnswer
	if desc == nil {
		desc = ctx.RemoteAnswer
	}
	if desc == nil {
		return -1, "", NewSDPError(ErrorCodeNotFound, "no negotiated answer")
	}
	for _, md := range desc.MediaDescriptions {
		if !strings.EqualFold(md.MediaName.Media, "audio") || md.MediaName.Port.Value == 0 {
			continue
		}
		if len(md.MediaName.Formats) == 0 {
			break
		}
		pt, err := strconv.Atoi(md.MediaName.Formats[0])
		if err != nil {
			return -1, "", WrapSDPError(ErrorCodeParse, err, "payload %q", md.MediaName.Formats[0])
		}
		for _, a := range md.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			if rpt, name, _, ok := parseRtpmap(a.Value); ok && int(rpt) == pt {
				return pt, name, nil
			}
		}
		if st, ok := staticPayloads[uint8(pt)]; ok {
			return pt, st.Name, nil
		}
		return -1, "", NewSDPError(ErrorCodeNotFound, "no rtpmap for payload %d", pt)
	}
	return -1, "", NewSDPError(ErrorCodeNotFound, "no audio media line")
}

// Parse разбирает тело application/sdp.
func Parse(body []byte) (*sdp.SessionDescription, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, WrapSDPError(ErrorCodeParse, err, "unmarshal sdp")
	}
	return desc, nil
}

// Marshal сериализует описание.
func Marshal(desc *sdp.SessionDescription) ([]byte, error) {
	b, err := desc.Marshal()
	if err != nil {
		return nil, WrapSDPError(ErrorCodeGenerate, err, "marshal sdp")
	}
	return b, nil
}

// RemoteMedia адрес и порт первой аудио строки описания.
func RemoteMedia(desc *sdp.SessionDescription) (string, int) {
	if desc == nil {
		return "", 0
	}
	for _, md := range desc.MediaDescriptions {
		if strings.EqualFold(md.MediaName.Media, "audio") {
			return connectionAddress(desc, md), md.MediaName.Port.Value
		}
	}
	return connectionAddress(desc, nil), 0
}
