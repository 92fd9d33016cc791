package proto

import "net"

// AdvertiseHost picks the IPv4 address a storage node should advertise when
// none is configured. Private addresses are preferred over public ones; the
// loopback address is returned when no usable interface is up.
func AdvertiseHost() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	var public string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			ip4 := ip.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			if ip4.IsPrivate() {
				return ip4.String()
			}
			if public == "" {
				public = ip4.String()
			}
		}
	}

	if public != "" {
		return public
	}
	return "127.0.0.1"
}
