package sdpneg

import (
	"strings"

	"github.com/pion/sdp/v3"
)

// privatePrefixes префиксы частных и link-local адресов IPv4.
// Сравнение строковое, без разбора CIDR.
var privatePrefixes = []string{
	"10.",
	"192.168.",
	"169.254.",
	"172.16.", "172.17.", "172.18.", "172.19.",
	"172.20.", "172.21.", "172.22.", "172.23.",
	"172.24.", "172.25.", "172.26.", "172.27.",
	"172.28.", "172.29.", "172.30.", "172.31.",
}

// IsPublicAddress сообщает, что адрес не принадлежит 10/8, 172.16/12,
// 192.168/16 и 169.254/16.
func IsPublicAddress(ip string) bool {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return false
	}
	for _, p := range privatePrefixes {
		if strings.HasPrefix(ip, p) {
			return false
		}
	}
	return true
}

// applyFirewall переписывает все адреса c= и o= на firewallIP, если
// удаленная сторона публичная. Замена выполняется для всего описания целиком.
func applyFirewall(desc *sdp.SessionDescription, firewallIP, farEnd string) bool {
	if firewallIP == "" || desc == nil || !IsPublicAddress(farEnd) {
		return false
	}
	desc.Origin.UnicastAddress = firewallIP
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		desc.ConnectionInformation.Address.Address = firewallIP
	}
	for _, md := range desc.MediaDescriptions {
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			md.ConnectionInformation.Address.Address = firewallIP
		}
	}
	return true
}

func connectionAddress(desc *sdp.SessionDescription, md *sdp.MediaDescription) string {
	if md != nil && md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		return md.ConnectionInformation.Address.Address
	}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		return desc.ConnectionInformation.Address.Address
	}
	return ""
}

func isZeroAddress(addr string) bool {
	switch strings.TrimSpace(addr) {
	case "0.0.0.0", "::0", "::":
		return true
	}
	return false
}

func addressType(ip string) string {
	if strings.Contains(ip, ":") {
		return "IP6"
	}
	return "IP4"
}

func newConnection(ip string) *sdp.ConnectionInformation {
	return &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: addressType(ip),
		Address:     &sdp.Address{Address: ip},
	}
}
