package wsclient

import "strings"

// extParam is one key-value pair of an extension negotiation, in the order
// it appeared on the wire or was configured by the caller.
type extParam struct {
	Key   string
	Value string // empty for a bare flag such as client_no_context_takeover
}

// Extension is the ordered name/parameter-list record from section 3 of the
// protocol notes. Parameter order is preserved rather than folded into a
// map, since Sec-WebSocket-Extensions re-serialization must reproduce the
// offered order for extensions the spec doesn't special-case.
type Extension struct {
	Name   string
	Params []extParam
}

func (e Extension) param(key string) (string, bool) {
	for _, p := range e.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// String renders e in Sec-WebSocket-Extensions wire format:
// name; key1=value1; key2.
func (e Extension) String() string {
	var b strings.Builder
	b.WriteString(e.Name)
	for _, p := range e.Params {
		b.WriteString("; ")
		b.WriteString(p.Key)
		if p.Value != "" {
			b.WriteByte('=')
			b.WriteString(p.Value)
		}
	}
	return b.String()
}

// formatExtensions joins a list of extensions into one Sec-WebSocket-Extensions
// header value, comma-separated per RFC 6455 section 9.1.
func formatExtensions(exts []Extension) string {
	parts := make([]string, len(exts))
	for i, e := range exts {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

// parseExtensions parses a Sec-WebSocket-Extensions header value into an
// ordered list of Extension records. Matching is case-sensitive for both
// extension names and parameter keys, deliberately preserving the source
// library's exact-match behavior rather than RFC-strict case-folding (see
// the preserved ambiguity in the design notes).
func parseExtensions(header string) ([]Extension, error) {
	if strings.TrimSpace(header) == "" {
		return nil, nil
	}
	var result []Extension
	for _, segment := range strings.Split(header, ",") {
		ext, err := parseOneExtension(segment)
		if err != nil {
			return nil, err
		}
		result = append(result, ext)
	}
	return result, nil
}

func parseOneExtension(segment string) (Extension, error) {
	parts := strings.Split(segment, ";")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return Extension{}, newErr(CodeExtensionParseError, nil)
	}
	ext := Extension{Name: name}
	for _, raw := range parts[1:] {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		eq := strings.IndexByte(raw, '=')
		if eq < 0 {
			ext.Params = append(ext.Params, extParam{Key: raw})
			continue
		}
		key := strings.TrimSpace(raw[:eq])
		value := strings.TrimSpace(raw[eq+1:])
		value = unquoteToken(value)
		ext.Params = append(ext.Params, extParam{Key: key, Value: value})
	}
	return ext, nil
}

// unquoteToken strips RFC 7230 quoted-string delimiters if present. It does
// not unescape internal quoted-pairs since extension parameter values in
// practice never need them.
func unquoteToken(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}

const extNamePermessageDeflate = "permessage-deflate"

// deflateParams is the negotiated permessage-deflate configuration, derived
// from the server's echoed extension record per section 4.6.
type deflateParams struct {
	serverNoContextTakeover bool
	clientNoContextTakeover bool
	serverMaxWindowBits     int // 15 when the server's response omits it
	clientMaxWindowBits     int
}

// negotiateDeflate validates the server's permessage-deflate response
// against what the client offered, per section 4.6's validation rules.
func negotiateDeflate(offered, got Extension) (*deflateParams, error) {
	params := &deflateParams{serverMaxWindowBits: 15, clientMaxWindowBits: 15}
	for _, p := range got.Params {
		switch p.Key {
		case "server_no_context_takeover":
			params.serverNoContextTakeover = true
		case "client_no_context_takeover":
			params.clientNoContextTakeover = true
		case "server_max_window_bits":
			bits, err := parseWindowBits(p.Value)
			if err != nil {
				return nil, err
			}
			params.serverMaxWindowBits = bits
		case "client_max_window_bits":
			bits := 15
			if p.Value != "" {
				var err error
				bits, err = parseWindowBits(p.Value)
				if err != nil {
					return nil, err
				}
			}
			params.clientMaxWindowBits = bits
		default:
			return nil, newErr(CodePerMessageDeflateUnsupportedParameter, nil)
		}
	}
	return params, nil
}

func parseWindowBits(v string) (int, error) {
	n := 0
	if v == "" {
		return 0, newErr(CodePerMessageDeflateInvalidMaxWindowBits, nil)
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, newErr(CodePerMessageDeflateInvalidMaxWindowBits, nil)
		}
		n = n*10 + int(c-'0')
	}
	if n < 8 || n > 15 {
		return 0, newErr(CodePerMessageDeflateInvalidMaxWindowBits, nil)
	}
	return n, nil
}
