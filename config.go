package wsclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"
)

const websocketVersion = "13"

// Config is the configuration façade covering every item in the external
// configuration surface (section 6): a plain struct of options, mutated by
// direct field assignment or the With* chainable setters, mirroring the
// teacher library's Dialer/Upgrader struct-of-options convention rather than
// a fluent builder.
type Config struct {
	Secure bool
	Host   string
	Port   string
	Path   string

	Protocols []string
	Headers   http.Header

	EnableCompression        bool
	DeflateNoContextTakeover bool // applies to the client->server direction
	DeflateMaxWindowBits     int

	ConnectTimeout time.Duration
	FallbackDelay  time.Duration
	CloseTimeout   time.Duration
	DualStackMode  DualStackMode
	ServerNames    []string // SNI override; only the first entry is used

	MaxPayloadSize int64 // outbound frame split threshold; 0 = unsplit
	MaxMessageSize int64 // inbound reassembly cap; 0 = unbounded
	AutoFlush      bool

	PingInterval time.Duration
	PongInterval time.Duration
	PingPayload  func() []byte
	PongPayload  func() []byte

	Extended                 bool
	MissingCloseFrameAllowed bool

	Proxy     *ProxyConfig
	TLSConfig *tls.Config

	BasicAuthUser string
	BasicAuthPass string
}

// NewConfig parses urlStr ("ws://host[:port]/path" or "wss://...") and
// returns a Config with every timing/sizing field at its default.
func NewConfig(urlStr string) (*Config, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, err
	}
	var secure bool
	switch u.Scheme {
	case "ws":
		secure = false
	case "wss":
		secure = true
	default:
		return nil, newErr(CodeOpeningHandshakeError, err)
	}
	port := u.Port()
	if port == "" {
		if secure {
			port = "443"
		} else {
			port = "80"
		}
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	cfg := &Config{
		Secure:         secure,
		Host:           u.Hostname(),
		Port:           port,
		Path:           path,
		Headers:        make(http.Header),
		ConnectTimeout: 10 * time.Second,
		FallbackDelay:  250 * time.Millisecond,
		CloseTimeout:   5 * time.Second,
		AutoFlush:      true,
	}
	if u.User != nil {
		cfg.BasicAuthUser = u.User.Username()
		cfg.BasicAuthPass, _ = u.User.Password()
	}
	return cfg, nil
}

func (c *Config) WithProtocols(protocols ...string) *Config {
	c.Protocols = protocols
	return c
}

func (c *Config) WithCompression(enable bool) *Config {
	c.EnableCompression = enable
	return c
}

func (c *Config) WithProxy(p *ProxyConfig) *Config {
	c.Proxy = p
	return c
}

func (c *Config) WithPing(interval time.Duration, payload func() []byte) *Config {
	c.PingInterval = interval
	c.PingPayload = payload
	return c
}

func (c *Config) WithPong(interval time.Duration, payload func() []byte) *Config {
	c.PongInterval = interval
	c.PongPayload = payload
	return c
}

func (c *Config) maxPayloadSize() int64 {
	return c.MaxPayloadSize
}

func (c *Config) maxMessageSize() int64 {
	return c.MaxMessageSize
}

func (c *Config) pingPayload() []byte {
	if c.PingPayload == nil {
		return nil
	}
	defer func() { recover() }()
	return c.PingPayload()
}

func (c *Config) pongPayload() []byte {
	if c.PongPayload == nil {
		return nil
	}
	defer func() { recover() }()
	return c.PongPayload()
}

func (c *Config) serverName() string {
	if len(c.ServerNames) > 0 {
		return c.ServerNames[0]
	}
	return c.Host
}

// Dial is the sole entry point exercising the socket initiator and the
// opening handshake end to end: resolve, race (section 4.5), optionally
// tunnel through a proxy and overlay TLS, then upgrade (section 4.4).
func (c *Config) Dial(ctx context.Context) (*Conn, error) {
	targetURL := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(c.Host, c.Port),
		Path:   c.Path,
	}
	if c.Secure {
		targetURL.Scheme = "https"
	}

	proxy, err := resolveProxy(c.Proxy, targetURL)
	if err != nil {
		return nil, err
	}

	var rawConn net.Conn
	if proxy != nil {
		rawConn, err = c.dialViaProxy(ctx, proxy)
	} else {
		rawConn, err = c.dialDirect(ctx, c.Host, c.Port)
	}
	if err != nil {
		return nil, err
	}

	var netConn net.Conn = rawConn
	if c.Secure {
		tlsConn, err := overlayTLS(ctx, rawConn, c.serverName(), c.TLSConfig)
		if err != nil {
			return nil, err
		}
		netConn = tlsConn
	}

	conn := newConn(c, netConn)
	conn.state.Set(StateConnecting)

	if err := conn.performOpeningHandshake(ctx); err != nil {
		conn.netConn.Close()
		conn.state.Set(StateClosed)
		return nil, err
	}

	conn.state.Set(StateOpen)
	conn.startLoops()
	conn.fireConnected()
	return conn, nil
}

func (c *Config) dialDirect(ctx context.Context, host, port string) (net.Conn, error) {
	addrs, err := resolveHost(ctx, host)
	if err != nil {
		return nil, newErr(CodeSocketConnectError, err)
	}
	return happyEyeballsDial(ctx, addrs, port, c.DualStackMode, c.ConnectTimeout, c.FallbackDelay)
}

func (c *Config) dialViaProxy(ctx context.Context, proxy *ProxyConfig) (net.Conn, error) {
	addrs, err := resolveHost(ctx, proxy.Host)
	if err != nil {
		return nil, newErr(CodeProxyHandshakeError, err)
	}
	proxyConn, err := happyEyeballsDial(ctx, addrs, proxy.Port, c.DualStackMode, c.ConnectTimeout, c.FallbackDelay)
	if err != nil {
		return nil, err
	}
	targetHostPort := net.JoinHostPort(c.Host, c.Port)
	return tunnelThroughProxy(ctx, proxyConn, proxy, targetHostPort)
}
