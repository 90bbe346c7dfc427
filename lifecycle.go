package wsclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

var timeZero time.Time

// performOpeningHandshake implements section 4.4 steps 3-4: build the
// upgrade request, write it, read the status line and headers, and validate
// the response. It is hand-rolled over the raw net.Conn/tls.Conn rather than
// routed through net/http's Client or an HTTP/2 transport, since a generic
// HTTP client would conflict with the Happy-Eyeballs dial and CONNECT-proxy
// tunnel already established in dial.go, and HTTP/2 bootstrapping is out of
// scope.
func (c *Conn) performOpeningHandshake(ctx context.Context) error {
	key, err := generateChallengeKey()
	if err != nil {
		return newErr(CodeOpeningHandshakeError, err)
	}

	offeredExts := c.buildOfferedExtensions()

	if deadline, ok := ctx.Deadline(); ok {
		c.netConn.SetDeadline(deadline)
		defer c.netConn.SetDeadline(timeZero)
	}

	if err := c.writeHandshakeRequest(key, offeredExts); err != nil {
		return newErr(CodeOpeningHandshakeError, err)
	}

	status, header, err := readHandshakeResponse(c.br)
	if err != nil {
		return newErr(CodeStatusLineError, err)
	}

	if status != http.StatusSwitchingProtocols {
		// Preview only what has already arrived: reading to EOF would block
		// on a server that keeps the connection open after its response.
		preview := c.br.Buffered()
		if preview > 2048 {
			preview = 2048
		}
		body, _ := io.ReadAll(io.LimitReader(c.br, int64(preview)))
		return &WSError{Code: CodeNotSwitchingProtocols, Headers: map[string][]string(header), Body: body}
	}

	if err := validateUpgradeHeaders(header); err != nil {
		return err
	}

	expectedAccept := computeAcceptKey(key)
	if header.Get("Sec-WebSocket-Accept") != expectedAccept {
		return newErr(CodeUnexpectedAcceptHeader, nil)
	}

	if err := c.acceptSubprotocol(header.Get("Sec-WebSocket-Protocol")); err != nil {
		return err
	}

	if err := c.acceptExtensions(header.Get("Sec-WebSocket-Extensions"), offeredExts); err != nil {
		return err
	}

	return nil
}

func (c *Conn) buildOfferedExtensions() []Extension {
	if !c.cfg.EnableCompression {
		return nil
	}
	ext := Extension{Name: extNamePermessageDeflate}
	if c.cfg.DeflateNoContextTakeover {
		ext.Params = append(ext.Params, extParam{Key: "client_no_context_takeover"})
	}
	if c.cfg.DeflateMaxWindowBits > 0 {
		ext.Params = append(ext.Params, extParam{Key: "client_max_window_bits", Value: fmt.Sprintf("%d", c.cfg.DeflateMaxWindowBits)})
	} else {
		ext.Params = append(ext.Params, extParam{Key: "client_max_window_bits"})
	}
	return []Extension{ext}
}

func (c *Conn) writeHandshakeRequest(key string, offered []Extension) error {
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", c.cfg.Path)
	fmt.Fprintf(&b, "Host: %s\r\n", hostHeaderValue(c.cfg))
	fmt.Fprintf(&b, "Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Upgrade: websocket\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Version: %s\r\n", websocketVersion)
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	if len(c.cfg.Protocols) > 0 {
		fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %s\r\n", strings.Join(c.cfg.Protocols, ", "))
	}
	if len(offered) > 0 {
		fmt.Fprintf(&b, "Sec-WebSocket-Extensions: %s\r\n", formatExtensions(offered))
	}
	for name, values := range c.cfg.Headers {
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	if c.cfg.BasicAuthUser != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.cfg.BasicAuthUser + ":" + c.cfg.BasicAuthPass))
		fmt.Fprintf(&b, "Authorization: Basic %s\r\n", auth)
	}
	b.WriteString("\r\n")

	_, err := io.WriteString(c.netConn, b.String())
	return err
}

func hostHeaderValue(cfg *Config) string {
	if (cfg.Secure && cfg.Port == "443") || (!cfg.Secure && cfg.Port == "80") {
		return cfg.Host
	}
	return cfg.Host + ":" + cfg.Port
}

// readHandshakeResponse reads a CRLF-delimited, LF-tolerant HTTP status line
// and header block per section 4.4 step 4.
func readHandshakeResponse(br *bufio.Reader) (int, http.Header, error) {
	tp := textproto.NewReader(br)
	statusLine, err := tp.ReadLine()
	if err != nil {
		return 0, nil, err
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return 0, nil, newErr(CodeStatusLineError, nil)
	}
	var status int
	if _, err := fmt.Sscanf(parts[1], "%d", &status); err != nil {
		return 0, nil, newErr(CodeStatusLineError, err)
	}
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return 0, nil, newErr(CodeHTTPHeaderFailure, err)
	}
	return status, http.Header(mimeHeader), nil
}

func validateUpgradeHeaders(header http.Header) error {
	upgrade := header.Get("Upgrade")
	if upgrade == "" {
		return newErr(CodeNoUpgradeHeader, nil)
	}
	if !headerContainsToken(upgrade, "websocket") {
		return newErr(CodeNoWebSocketInUpgradeHeader, nil)
	}
	connection := header.Get("Connection")
	if connection == "" {
		return newErr(CodeNoConnectionHeader, nil)
	}
	if !headerContainsToken(connection, "Upgrade") {
		return newErr(CodeNoUpgradeInConnectionHeader, nil)
	}
	return nil
}

func (c *Conn) acceptSubprotocol(got string) error {
	if got == "" {
		return nil
	}
	for _, p := range c.cfg.Protocols {
		if p == got {
			c.subprotocol = got
			return nil
		}
	}
	return newErr(CodeUnsupportedProtocol, nil)
}

// acceptExtensions validates the server's Sec-WebSocket-Extensions response
// against the offered list and, for permessage-deflate, wires the codecs
// (section 4.4 step 4, section 4.6 negotiation).
func (c *Conn) acceptExtensions(header string, offered []Extension) error {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	got, err := parseExtensions(header)
	if err != nil {
		return newErr(CodeExtensionParseError, err)
	}

	seen := make(map[string]bool)
	for _, ext := range got {
		if seen[ext.Name] {
			return newErr(CodeExtensionsConflict, nil)
		}
		seen[ext.Name] = true

		var match *Extension
		for i := range offered {
			if offered[i].Name == ext.Name {
				match = &offered[i]
				break
			}
		}
		if match == nil {
			return newErr(CodeUnsupportedExtension, nil)
		}

		if ext.Name == extNamePermessageDeflate {
			params, err := negotiateDeflate(*match, ext)
			if err != nil {
				return err
			}
			c.deflate = params
			c.compressOut = newDeflateCodec(defaultCompressionLevel, params.clientNoContextTakeover)
			c.compressIn = newDeflateCodec(defaultCompressionLevel, params.serverNoContextTakeover)
		}
	}
	return nil
}
