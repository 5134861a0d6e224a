package sip

import (
	"net"
	"strconv"
)

var (
	SIPDebug bool
)

const (
	// Transport for different sip messages. GO uses lowercase, but for message parsing, we should
	// use this constants for setting message Transport
	TransportUDP = "UDP"
	TransportTCP = "TCP"
	TransportTLS = "TLS"
	TransportWS  = "WS"
	TransportWSS = "WSS"
)

// IsReliable reports whether transport is reliable: WS/WSS/TCP/TLS are, UDP
// and any other value are not. On a reliable transport the transactions do
// not start the retransmission Timers A and G (RFC 3261 §17.1.1.2, §17.2.1).
// The core targets reliable, message-framed transports exclusively (spec §2
// item 1, §4.2).
func IsReliable(transport string) bool {
	switch transport {
	case TransportTCP, TransportTLS, TransportWS, TransportWSS:
		return true
	default:
		return false
	}
}

// Connection is the minimal per-account socket abstraction the transaction
// layer writes serialized messages to. It is satisfied by the concrete
// transport.Stream adapters (package transport); sip itself never dials or
// listens - the message transport is an external collaborator (spec §6).
type Connection interface {
	// LocalAddr used for connection
	LocalAddr() net.Addr
	// WriteMsg marshals message and sends it over the socket.
	WriteMsg(msg Message) error
	// Ref/TryClose implement simple refcounted lifetime, mirroring how a
	// connection may be shared by more than one in-flight transaction.
	Ref(i int) int
	TryClose() (int, error)
	Close() error
}

type Addr struct {
	IP   net.IP // Must be in IP format
	Port int
}

func (a *Addr) String() string {
	if a.IP == nil {
		return net.JoinHostPort("", strconv.Itoa(a.Port))
	}

	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

func ParseAddr(addr string) (host string, port int, err error) {
	host, pstr, err := net.SplitHostPort(addr)
	if err != nil {
		return host, port, err
	}

	// In case we are dealing with some named ports this should be called
	// net.LookupPort(network)

	port, err = strconv.Atoi(pstr)
	return host, port, err
}

// DefaultProtocol is assumed when a message carries no explicit transport and
// its top Via names none. It is WS, the transport the core dials (spec §4.2).
const DefaultProtocol = TransportWS

// DefaultPort returns the well-known port for transport when neither the
// Recipient URI nor a Via header carries an explicit one (RFC 3261 §19.1.1).
func DefaultPort(transport string) int {
	switch transport {
	case TransportTLS, TransportWSS:
		return 5061
	default:
		return 5060
	}
}

// uriNetIP strips zone/bracket notation so a URI host can be combined with a
// port for dialing or comparison; non-IP hostnames pass through unchanged.
func uriNetIP(host string) string {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}

// NewHeader builds a GenericHeader for header names the core does not parse
// into a dedicated type (e.g. Route entries copied verbatim from
// Record-Route, or Content-Type on an SDP response).
func NewHeader(name, value string) Header {
	return &GenericHeader{HeaderName: name, Contents: value}
}
