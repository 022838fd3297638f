// Package metadata implements the ordered, case-sensitive header list from
// spec section 4.4 — the transport-independent counterpart of HTTP/2
// headers / gRPC metadata.MD, but an ordered list rather than a map so
// repeated keys and insertion order survive encode/decode round trips.
package metadata

import "strconv"

const (
	KeyMethod    = ":method"
	KeyPath      = ":path"
	KeyScheme    = ":scheme"
	KeyAuthority = ":authority"
	KeyContentType = "content-type"
	KeyGRPCStatus  = "grpc-status"
	KeyGRPCMessage = "grpc-message"
	KeyTE          = "te"

	DefaultContentType = "application/rpcmesh"
)

// Pair is one (name, value) entry.
type Pair struct {
	Name  string
	Value string
}

// List is an ordered, possibly-repeating set of header pairs. The zero
// value is an empty, usable List.
type List struct {
	pairs []Pair
}

// New builds a List from the given pairs, in order.
func New(pairs ...Pair) List {
	return List{pairs: append([]Pair(nil), pairs...)}
}

// Add appends a pair, preserving any existing entry with the same name.
func (l List) Add(name, value string) List {
	return List{pairs: append(append([]Pair(nil), l.pairs...), Pair{name, value})}
}

// Get returns the first value for name and whether it was present.
// Lookup is case-sensitive per spec.
func (l List) Get(name string) (string, bool) {
	for _, p := range l.pairs {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Values returns every value recorded for name, in order.
func (l List) Values(name string) []string {
	var out []string
	for _, p := range l.pairs {
		if p.Name == name {
			out = append(out, p.Value)
		}
	}
	return out
}

// Pairs returns the underlying pairs in insertion order. The returned
// slice must not be mutated.
func (l List) Pairs() []Pair {
	return l.pairs
}

// Len reports the number of pairs.
func (l List) Len() int {
	return len(l.pairs)
}

// ForClientRequest builds the initial metadata a caller sends to open a
// call: the method path plus the declared content type.
func ForClientRequest(service, method, host string) List {
	l := New(Pair{KeyMethod, "RPC"}, Pair{KeyPath, "/" + service + "/" + method})
	if host != "" {
		l = l.Add(KeyAuthority, host)
	}
	return l.Add(KeyContentType, DefaultContentType)
}

// ForServerInitialResponse builds the metadata a responder sends before
// its first payload.
func ForServerInitialResponse() List {
	return New(Pair{":status", "200"}, Pair{KeyContentType, DefaultContentType})
}

// ForTrailer builds a call's final metadata frame. Per spec, a status of 0
// never carries grpc-message; a non-zero status carries it iff non-empty.
func ForTrailer(statusCode int, message string) List {
	l := New(Pair{KeyGRPCStatus, strconv.Itoa(statusCode)})
	if statusCode != 0 && message != "" {
		l = l.Add(KeyGRPCMessage, message)
	}
	return l
}

// MethodPath extracts the service and method names from a ":path" header
// shaped "/<service>/<method>".
func MethodPath(path string) (service, method string, ok bool) {
	if len(path) < 2 || path[0] != '/' {
		return "", "", false
	}
	rest := path[1:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}
