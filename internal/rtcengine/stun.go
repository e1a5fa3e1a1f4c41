package rtcengine

import (
	"net"

	"github.com/pion/stun/v3"
)

// buildBindingSuccess answers a Binding Request the way an ICE-lite agent
// must: host candidates only, no triggered checks, just a signed echo of
// whatever address the request arrived from. The response carries
// XOR-MAPPED-ADDRESS, short-term MESSAGE-INTEGRITY keyed by the local
// password, and a trailing FINGERPRINT.
func buildBindingSuccess(req *stun.Message, localPwd string, remote net.Addr) (*stun.Message, error) {
	ip, port := hostPort(remote)

	return stun.Build(req, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: ip, Port: port},
		stun.NewShortTermIntegrity(localPwd),
		stun.Fingerprint,
	)
}

func hostPort(addr net.Addr) (net.IP, int) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP, tcp.Port
	}
	return net.IPv4zero, 0
}
