package capture

import (
	"net"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// packetLayers flattens a gopacket packet into named layers. A synthetic
// "frame" layer comes first, mirroring tshark's frame metadata.
func packetLayers(pkt gopacket.Packet, ci gopacket.CaptureInfo) []Layer {
	decoded := pkt.Layers()
	out := make([]Layer, 0, len(decoded)+1)

	names := make([]string, 0, len(decoded))
	for _, l := range decoded {
		names = append(names, layerName(l))
	}
	out = append(out, Layer{Name: "frame", Fields: map[string]any{
		"time_epoch":   float64(ci.Timestamp.UnixNano()) / 1e9,
		"len":          ci.Length,
		"cap_len":      ci.CaptureLength,
		"interface_id": ci.InterfaceIndex,
		"protocols":    strings.Join(append([]string{"frame"}, names...), ":"),
	}})

	for i, l := range decoded {
		out = append(out, Layer{Name: names[i], Fields: layerFields(l)})
	}
	if fail := pkt.ErrorLayer(); fail != nil {
		out = append(out, Layer{Name: "_ws_malformed", Fields: map[string]any{
			"error": fail.Error().Error(),
		}})
	}
	return out
}

func layerName(l gopacket.Layer) string {
	switch l.(type) {
	case *layers.Ethernet:
		return "eth"
	case *layers.IPv4:
		return "ip"
	case *layers.IPv6:
		return "ipv6"
	case *layers.TCP:
		return "tcp"
	case *layers.UDP:
		return "udp"
	case *layers.ICMPv4:
		return "icmp"
	case *layers.DNS:
		return "dns"
	case *layers.ARP:
		return "arp"
	}
	if l.LayerType() == gopacket.LayerTypePayload {
		return "data"
	}
	return strings.ToLower(l.LayerType().String())
}

func layerFields(layer gopacket.Layer) map[string]any {
	switch l := layer.(type) {
	case *layers.Ethernet:
		return map[string]any{
			"src":  l.SrcMAC.String(),
			"dst":  l.DstMAC.String(),
			"type": l.EthernetType.String(),
		}
	case *layers.IPv4:
		return map[string]any{
			"version":     l.Version,
			"hdr_len":     int(l.IHL) * 4,
			"dsfield":     l.TOS,
			"len":         l.Length,
			"id":          l.Id,
			"flags":       l.Flags.String(),
			"frag_offset": l.FragOffset,
			"ttl":         l.TTL,
			"proto":       uint8(l.Protocol),
			"checksum":    l.Checksum,
			"src":         l.SrcIP.String(),
			"dst":         l.DstIP.String(),
		}
	case *layers.IPv6:
		return map[string]any{
			"version": l.Version,
			"tclass":  l.TrafficClass,
			"flow":    l.FlowLabel,
			"plen":    l.Length,
			"nxt":     uint8(l.NextHeader),
			"hlim":    l.HopLimit,
			"src":     l.SrcIP.String(),
			"dst":     l.DstIP.String(),
		}
	case *layers.TCP:
		return map[string]any{
			"srcport":     uint16(l.SrcPort),
			"dstport":     uint16(l.DstPort),
			"seq":         l.Seq,
			"ack":         l.Ack,
			"hdr_len":     int(l.DataOffset) * 4,
			"flags":       tcpFlags(l),
			"window_size": l.Window,
			"checksum":    l.Checksum,
			"len":         len(l.Payload),
		}
	case *layers.UDP:
		return map[string]any{
			"srcport":  uint16(l.SrcPort),
			"dstport":  uint16(l.DstPort),
			"length":   l.Length,
			"checksum": l.Checksum,
		}
	case *layers.ICMPv4:
		return map[string]any{
			"type":     l.TypeCode.Type(),
			"code":     l.TypeCode.Code(),
			"checksum": l.Checksum,
			"ident":    l.Id,
			"seq":      l.Seq,
		}
	case *layers.DNS:
		return dnsFields(l)
	case *layers.ARP:
		return map[string]any{
			"opcode":         l.Operation,
			"src_hw_mac":     net.HardwareAddr(l.SourceHwAddress).String(),
			"src_proto_ipv4": net.IP(l.SourceProtAddress).String(),
			"dst_hw_mac":     net.HardwareAddr(l.DstHwAddress).String(),
			"dst_proto_ipv4": net.IP(l.DstProtAddress).String(),
		}
	}
	return map[string]any{"len": len(layer.LayerContents()) + len(layer.LayerPayload())}
}

func tcpFlags(t *layers.TCP) string {
	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{t.FIN, "FIN"}, {t.SYN, "SYN"}, {t.RST, "RST"}, {t.PSH, "PSH"},
		{t.ACK, "ACK"}, {t.URG, "URG"}, {t.ECE, "ECE"}, {t.CWR, "CWR"}, {t.NS, "NS"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	return strings.Join(flags, ",")
}

func dnsFields(dns *layers.DNS) map[string]any {
	fields := map[string]any{
		"id":             dns.ID,
		"flags_response": dns.QR,
		"opcode":         uint8(dns.OpCode),
		"rcode":          uint8(dns.ResponseCode),
		"count_queries":  dns.QDCount,
		"count_answers":  dns.ANCount,
	}
	if len(dns.Questions) > 0 {
		q := dns.Questions[0]
		fields["qry_name"] = string(q.Name)
		fields["qry_type"] = q.Type.String()
		fields["qry_class"] = q.Class.String()
	}
	if answers := dnsAnswers(dns); len(answers) > 0 {
		fields["answers"] = answers
		fields["resp_ttl"] = dnsTTLs(dns)
	}
	return fields
}

func dnsAnswers(dns *layers.DNS) []string {
	var answers []string
	for _, answer := range dns.Answers {
		switch answer.Type {
		case layers.DNSTypeA, layers.DNSTypeAAAA:
			if answer.IP != nil {
				answers = append(answers, answer.IP.String())
			}
		case layers.DNSTypeCNAME:
			answers = append(answers, string(answer.CNAME))
		case layers.DNSTypeNS:
			answers = append(answers, string(answer.NS))
		case layers.DNSTypePTR:
			answers = append(answers, string(answer.PTR))
		case layers.DNSTypeMX:
			answers = append(answers, string(answer.MX.Name))
		case layers.DNSTypeTXT:
			for _, txt := range answer.TXT {
				answers = append(answers, string(txt))
			}
		}
	}
	return answers
}

func dnsTTLs(dns *layers.DNS) []uint32 {
	ttls := make([]uint32, 0, len(dns.Answers))
	for _, answer := range dns.Answers {
		ttls = append(ttls, answer.TTL)
	}
	return ttls
}
