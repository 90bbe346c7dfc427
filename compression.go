// Permessage-deflate support (RFC 7692). The DEFLATE transform itself is
// compress/flate; this file adds the WebSocket-specific framing rules: the
// trailing sync-flush bytes, the empty-message sentinel, and context
// takeover across messages.
package wsclient

import (
	"bytes"
	"compress/flate"
	"io"
	"sync"
)

const (
	minCompressionLevel     = -2
	maxCompressionLevel     = 9
	defaultCompressionLevel = 1
)

var deflateTrailer = []byte{0x00, 0x00, 0xff, 0xff}

var (
	flateReaderPool sync.Pool
	flateWriterPool sync.Pool
)

func getFlateReader(r io.Reader) io.ReadCloser {
	if fr, ok := flateReaderPool.Get().(io.ReadCloser); ok && fr != nil {
		if resetter, ok := fr.(flate.Resetter); ok {
			if err := resetter.Reset(r, nil); err == nil {
				return fr
			}
		}
	}
	return flate.NewReader(r)
}

func putFlateReader(fr io.ReadCloser) {
	flateReaderPool.Put(fr)
}

func getFlateWriter(w io.Writer, level int) *flate.Writer {
	if fw, ok := flateWriterPool.Get().(*flate.Writer); ok && fw != nil {
		fw.Reset(w)
		return fw
	}
	fw, _ := flate.NewWriter(w, level)
	return fw
}

func putFlateWriter(fw *flate.Writer) {
	flateWriterPool.Put(fw)
}

// deflateCodec is one direction (compress or decompress) of a negotiated
// permessage-deflate channel. When noContextTakeover is false, the same
// flate.Writer/Reader is reused message-to-message so the sliding window
// carries over, per section 4.6 step 5. When true, each message gets a
// pool-borrowed codec that is returned (and so reset) immediately after.
type deflateCodec struct {
	level             int
	noContextTakeover bool

	mu       sync.Mutex
	writer   *flate.Writer // persistent, used only when !noContextTakeover
	readerMu sync.Mutex
	reader   io.ReadCloser
}

func newDeflateCodec(level int, noContextTakeover bool) *deflateCodec {
	return &deflateCodec{level: level, noContextTakeover: noContextTakeover}
}

// compressMessage compresses one full logical message payload and strips
// the trailing sync-flush bytes, emitting the single 0x00 sentinel byte if
// the result would otherwise be empty (section 4.6, outbound steps 1-3).
func (c *deflateCodec) compressMessage(payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf bytes.Buffer
	var fw *flate.Writer
	if c.noContextTakeover {
		fw = getFlateWriter(&buf, c.level)
		defer putFlateWriter(fw)
	} else {
		if c.writer == nil {
			c.writer = getFlateWriter(&buf, c.level)
		} else {
			c.writer.Reset(&buf)
		}
		fw = c.writer
	}

	if _, err := fw.Write(payload); err != nil {
		return nil, newErr(CodeCompressionError, err)
	}
	if err := fw.Flush(); err != nil {
		return nil, newErr(CodeCompressionError, err)
	}

	out := buf.Bytes()
	out = bytes.TrimSuffix(out, deflateTrailer)
	if len(out) == 0 {
		return []byte{0x00}, nil
	}
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}

// decompressMessage appends the sync-flush trailer to a reassembled,
// concatenated message payload and inflates it (section 4.6, inbound steps
// 1-3). Failures are reported as CodeDecompressionError so the caller can
// route the raw payload to OnMessageDecompressionError.
func (c *deflateCodec) decompressMessage(payload []byte) ([]byte, error) {
	c.readerMu.Lock()
	defer c.readerMu.Unlock()

	// The sync-flush trailer leaves the DEFLATE stream open; an empty final
	// stored block after it lets the reader stop at io.EOF instead of
	// io.ErrUnexpectedEOF.
	src := io.MultiReader(bytes.NewReader(payload), bytes.NewReader(deflateTrailer), bytes.NewReader([]byte{0x01, 0x00, 0x00, 0xff, 0xff}))

	if c.noContextTakeover {
		fr := getFlateReader(src)
		defer putFlateReader(fr)
		out, err := io.ReadAll(fr)
		if err != nil {
			return nil, newErr(CodeDecompressionError, err)
		}
		return out, nil
	}

	if c.reader == nil {
		c.reader = getFlateReader(src)
	} else if resetter, ok := c.reader.(flate.Resetter); ok {
		if err := resetter.Reset(src, nil); err != nil {
			return nil, newErr(CodeDecompressionError, err)
		}
	}
	out, err := io.ReadAll(c.reader)
	if err != nil {
		return nil, newErr(CodeDecompressionError, err)
	}
	return out, nil
}
