// Socket initiator: RFC 6555 Happy Eyeballs address racing, HTTP CONNECT
// proxy tunneling, and the TLS overlay for wss:// through a proxy or direct.
package wsclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/net/http/httpproxy"
)

// DualStackMode selects which resolved address families the socket
// initiator races against, per section 4.5.
type DualStackMode int

const (
	DualStackBoth DualStackMode = iota
	DualStackIPv4Only
	DualStackIPv6Only
)

type dialOutcome struct {
	mu   sync.Mutex
	conn net.Conn
	err  error
	done bool
}

// take installs conn as the winning socket if none has won yet. Returns
// false if a winner was already installed, in which case the caller must
// close its own socket.
func (o *dialOutcome) take(conn net.Conn) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return false
	}
	o.done = true
	o.conn = conn
	return true
}

func (o *dialOutcome) recordErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err == nil {
		o.err = err
	}
}

// happyEyeballsDial races a TCP connect across addrs, staggered by
// fallbackDelay, per section 4.5. It returns a plain TCP connection; TLS is
// overlaid afterwards by the caller (overlayTLS).
func happyEyeballsDial(ctx context.Context, addrs []net.IPAddr, port string, mode DualStackMode, connectTimeout, fallbackDelay time.Duration) (net.Conn, error) {
	filtered := filterAddrs(addrs, mode)
	if len(filtered) == 0 {
		return nil, newErr(CodeSocketConnectError, errors.New("no viable interface to connect"))
	}

	outcome := &dialOutcome{}
	var wg sync.WaitGroup
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i, addr := range filtered {
		wg.Add(1)
		delay := time.Duration(i) * fallbackDelay
		go func(addr net.IPAddr, delay time.Duration) {
			defer wg.Done()
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-raceCtx.Done():
				return
			case <-timer.C:
			}
			if outcome.isDone() {
				return
			}

			dialer := net.Dialer{Timeout: connectTimeout}
			conn, err := dialer.DialContext(raceCtx, "tcp", net.JoinHostPort(addr.IP.String(), port))
			if err != nil {
				outcome.recordErr(err)
				return
			}
			if !outcome.take(conn) {
				conn.Close()
				return
			}
			cancel()
		}(addr, delay)
	}

	wg.Wait()

	outcome.mu.Lock()
	defer outcome.mu.Unlock()
	if outcome.conn != nil {
		return outcome.conn, nil
	}
	if outcome.err != nil {
		return nil, newErr(CodeSocketConnectError, outcome.err)
	}
	return nil, newErr(CodeSocketConnectError, errors.New("no viable interface to connect"))
}

func (o *dialOutcome) isDone() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

func filterAddrs(addrs []net.IPAddr, mode DualStackMode) []net.IPAddr {
	var out []net.IPAddr
	for _, a := range addrs {
		isV4 := a.IP.To4() != nil
		switch mode {
		case DualStackIPv4Only:
			if !isV4 {
				continue
			}
		case DualStackIPv6Only:
			if isV4 {
				continue
			}
		}
		out = append(out, a)
	}
	// RFC 6555 favors the order returned by the resolver; stable-sort keeps
	// that order while grouping nothing else, so this is effectively a
	// no-op beyond documenting that the order is intentionally preserved.
	sort.SliceStable(out, func(i, j int) bool { return false })
	return out
}

// resolveHost resolves host to its candidate addresses via the host
// resolver, matching the spec's "delegated to the host" DNS stance.
func resolveHost(ctx context.Context, host string) ([]net.IPAddr, error) {
	return net.DefaultResolver.LookupIPAddr(ctx, host)
}

// ProxyConfig describes an HTTP CONNECT proxy to tunnel through, per the
// configuration surface in section 6.
type ProxyConfig struct {
	Secure   bool
	Host     string
	Port     string
	ID       string
	Password string
	Headers  http.Header
}

// resolveProxy determines the proxy to use for targetURL. An explicit
// ProxyConfig always wins; otherwise environment variables are consulted via
// golang.org/x/net/http/httpproxy, the same logic net/http itself uses, so
// HTTPS_PROXY/NO_PROXY behave consistently with the rest of the ecosystem.
func resolveProxy(explicit *ProxyConfig, targetURL *url.URL) (*ProxyConfig, error) {
	if explicit != nil {
		return explicit, nil
	}
	cfg := httpproxy.FromEnvironment()
	proxyURL, err := cfg.ProxyFunc()(targetURL)
	if err != nil {
		return nil, newErr(CodeProxyHandshakeError, err)
	}
	if proxyURL == nil {
		return nil, nil
	}
	port := proxyURL.Port()
	if port == "" {
		port = "80"
	}
	pc := &ProxyConfig{
		Secure: proxyURL.Scheme == "https",
		Host:   proxyURL.Hostname(),
		Port:   port,
	}
	if proxyURL.User != nil {
		pc.ID = proxyURL.User.Username()
		pc.Password, _ = proxyURL.User.Password()
	}
	return pc, nil
}

// tunnelThroughProxy sends an HTTP CONNECT request over conn and, on a 200
// response, returns conn ready to carry the target protocol. Failure closes
// conn before returning.
func tunnelThroughProxy(ctx context.Context, conn net.Conn, proxy *ProxyConfig, targetHostPort string) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetHostPort},
		Host:   targetHostPort,
		Header: make(http.Header),
	}
	for k, vs := range proxy.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if proxy.ID != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(proxy.ID + ":" + proxy.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+auth)
	}
	req = req.WithContext(ctx)

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, newErr(CodeProxyHandshakeError, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, newErr(CodeProxyHandshakeError, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, newErr(CodeProxyHandshakeError, errors.New("proxy CONNECT failed: "+resp.Status))
	}
	return conn, nil
}

// overlayTLS performs the TLS client handshake and hostname verification
// over conn, per section 4.4 step 2.
func overlayTLS(ctx context.Context, conn net.Conn, serverName string, base *tls.Config) (*tls.Conn, error) {
	cfg := &tls.Config{}
	if base != nil {
		cfg = base.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		if _, ok := err.(*tls.CertificateVerificationError); ok {
			return nil, newErr(CodeHostnameUnverified, err)
		}
		return nil, newErr(CodeSSLHandshakeError, err)
	}
	return tlsConn, nil
}

func hostPortFromURL(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	switch u.Scheme {
	case "https", "wss":
		return net.JoinHostPort(u.Hostname(), "443")
	default:
		return net.JoinHostPort(u.Hostname(), "80")
	}
}
