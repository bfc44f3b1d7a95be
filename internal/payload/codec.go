package payload

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultMaxMessageSize bounds one line on the wire.
const DefaultMaxMessageSize = 1 << 20

var ErrMessageTooLarge = errors.New("message exceeds size limit")

// Reader splits a stream into newline-terminated messages.
type Reader struct {
	br  *bufio.Reader
	max int
}

func NewReader(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	return &Reader{br: bufio.NewReader(r), max: max}
}

// ReadMessage returns the next line without its terminator. An oversized
// line is consumed and reported as ErrMessageTooLarge so the stream stays
// usable. A final line without a newline is returned before io.EOF.
func (r *Reader) ReadMessage() ([]byte, error) {
	var (
		line     []byte
		tooLarge bool
	)
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLarge {
			line = append(line, chunk...)
			if len(line) > r.max+1 {
				tooLarge, line = true, nil
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF && len(line) > 0 && !tooLarge {
				return bytes.TrimSpace(line), nil
			}
			return nil, err
		}
		break
	}
	if tooLarge {
		return nil, ErrMessageTooLarge
	}
	return bytes.TrimSpace(line), nil
}

// WriteMessage encodes v as one JSON line.
func WriteMessage(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	_, err = w.Write(append(data, '\n'))
	return errors.Wrap(err, "write message")
}

// Conn is the client side of a line-delimited JSON connection. Requests on
// one Conn are serialized: each waits for its response.
type Conn struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *Reader
}

func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return NewConn(c), nil
}

func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c, reader: NewReader(c, DefaultMaxMessageSize)}
}

// RoundTrip sends req and reads one response. The context deadline, if
// any, bounds the whole exchange. Error responses are returned as-is; use
// Response.Err to inspect them.
func (c *Conn) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "set deadline")
	}

	if err := WriteMessage(c.conn, req); err != nil {
		return nil, err
	}
	line, err := c.reader.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	resp := new(Response)
	if err = json.Unmarshal(line, resp); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	return resp, nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
