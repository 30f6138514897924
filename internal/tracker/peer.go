package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Compact peer-list entry sizes: address bytes plus a trailing 2-byte
// big-endian port, back to back with no separators.
const (
	compactEntrySizeV4 = 6
	compactEntrySizeV6 = 18
)

// decodePeerList turns an announce response's "peers" value into
// endpoints. Trackers reply either in "compact" form (one packed byte
// string requested via compact=1) or the legacy dictionary form (a
// bencode list of {ip, port} dicts); both are accepted since a tracker is
// free to ignore the compact request.
func decodePeerList(v any, ipv6 bool) ([]netip.AddrPort, error) {
	switch peers := v.(type) {
	case string:
		return decodeCompactPeers([]byte(peers), ipv6)
	case []byte:
		return decodeCompactPeers(peers, ipv6)
	case []any:
		return decodeDictPeers(peers)
	default:
		return nil, fmt.Errorf("tracker: peers field has unsupported type %T", v)
	}
}

func decodeCompactPeers(data []byte, ipv6 bool) ([]netip.AddrPort, error) {
	entrySize := compactEntrySizeV4
	if ipv6 {
		entrySize = compactEntrySizeV6
	}
	if len(data)%entrySize != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of %d", len(data), entrySize)
	}

	out := make([]netip.AddrPort, len(data)/entrySize)
	for i := range out {
		entry := data[i*entrySize : (i+1)*entrySize]

		var addr netip.Addr
		if ipv6 {
			var raw [16]byte
			copy(raw[:], entry[:16])
			addr = netip.AddrFrom16(raw)
		} else {
			addr = netip.AddrFrom4([4]byte{entry[0], entry[1], entry[2], entry[3]})
		}

		port := binary.BigEndian.Uint16(entry[len(entry)-2:])
		out[i] = netip.AddrPortFrom(addr, port)
	}

	return out, nil
}

func decodeDictPeers(entries []any) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(entries))

	for i, entry := range entries {
		fields, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tracker: peers[%d]: not a dict", i)
		}

		addr, err := dictPeerAddr(fields["ip"])
		if err != nil {
			return nil, fmt.Errorf("tracker: peers[%d]: %w", i, err)
		}

		port, ok := fields["port"].(int64)
		if !ok || port < 1 || port > 65535 {
			return nil, fmt.Errorf("tracker: peers[%d]: invalid port %v", i, fields["port"])
		}

		out = append(out, netip.AddrPortFrom(addr, uint16(port)))
	}

	return out, nil
}

// dictPeerAddr accepts either a textual IP (the common case) or raw
// address bytes, since some trackers still answer the dictionary form
// with the latter.
func dictPeerAddr(v any) (netip.Addr, error) {
	switch ip := v.(type) {
	case string:
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("bad ip %q: %w", ip, err)
		}
		return addr, nil

	case []byte:
		switch len(ip) {
		case 4:
			return netip.AddrFrom4([4]byte{ip[0], ip[1], ip[2], ip[3]}), nil
		case 16:
			var raw [16]byte
			copy(raw[:], ip)
			return netip.AddrFrom16(raw), nil
		default:
			return netip.Addr{}, fmt.Errorf("ip byte length %d unsupported", len(ip))
		}

	default:
		return netip.Addr{}, fmt.Errorf("unsupported ip type %T", v)
	}
}
