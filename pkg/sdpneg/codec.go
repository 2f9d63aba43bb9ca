package sdpneg

import (
	"strconv"
	"strings"
)

// Codec кодек из статической конфигурации.
type Codec struct {
	PayloadType uint8  `yaml:"payload_type"`
	Name        string `yaml:"name"`
	ClockRate   uint32 `yaml:"clock_rate"`
	Channels    int    `yaml:"channels,omitempty"`
	// Media тип медиа: audio или video.
	Media string `yaml:"media"`
	Fmtp  string `yaml:"fmtp,omitempty"`
}

// Rtpmap значение атрибута a=rtpmap.
func (c Codec) Rtpmap() string {
	v := strconv.Itoa(int(c.PayloadType)) + " " + c.Name + "/" + strconv.FormatUint(uint64(c.ClockRate), 10)
	if c.Channels > 1 {
		v += "/" + strconv.Itoa(c.Channels)
	}
	return v
}

func (c Codec) mediaType() string {
	if c.Media == "" {
		return "audio"
	}
	return strings.ToLower(c.Media)
}

// DefaultCodecs PCMU, PCMA и telephone-event.
func DefaultCodecs() []Codec {
	return []Codec{
		{PayloadType: 0, Name: "PCMU", ClockRate: 8000, Media: "audio"},
		{PayloadType: 8, Name: "PCMA", ClockRate: 8000, Media: "audio"},
		{PayloadType: 101, Name: "telephone-event", ClockRate: 8000, Media: "audio", Fmtp: "0-16"},
	}
}

// staticPayloads имена статических типов нагрузки RFC 3551.
var staticPayloads = map[uint8]Codec{
	0:  {PayloadType: 0, Name: "PCMU", ClockRate: 8000, Media: "audio"},
	3:  {PayloadType: 3, Name: "GSM", ClockRate: 8000, Media: "audio"},
	4:  {PayloadType: 4, Name: "G723", ClockRate: 8000, Media: "audio"},
	8:  {PayloadType: 8, Name: "PCMA", ClockRate: 8000, Media: "audio"},
	9:  {PayloadType: 9, Name: "G722", ClockRate: 8000, Media: "audio"},
	18: {PayloadType: 18, Name: "G729", ClockRate: 8000, Media: "audio"},
	26: {PayloadType: 26, Name: "JPEG", ClockRate: 90000, Media: "video"},
	31: {PayloadType: 31, Name: "H261", ClockRate: 90000, Media: "video"},
	34: {PayloadType: 34, Name: "H263", ClockRate: 90000, Media: "video"},
}

// highBandwidthPayloads нагрузки, для которых в предложение добавляется b=AS.
var highBandwidthPayloads = map[uint8]uint64{
	110: 64,
	111: 64,
}

// parseRtpmap разбирает "96 opus/48000/2".
func parseRtpmap(value string) (uint8, string, uint32, bool) {
	parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(parts) != 2 {
		return 0, "", 0, false
	}
	pt, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return 0, "", 0, false
	}
	enc := strings.Split(parts[1], "/")
	rate := uint64(0)
	if len(enc) > 1 {
		rate, _ = strconv.ParseUint(enc[1], 10, 32)
	}
	return uint8(pt), enc[0], uint32(rate), true
}
