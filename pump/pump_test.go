package pump

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	assert.Equal(t, Data, Classify(3, io.EOF))
	assert.Equal(t, Timeout, Classify(0, nil))
	assert.Equal(t, Timeout, Classify(0, os.ErrDeadlineExceeded))
	assert.Equal(t, Timeout, Classify(0, timeoutErr{}))
	assert.Equal(t, Closed, Classify(0, io.EOF))
	assert.Equal(t, Failed, Classify(0, errors.New("connection reset by peer")))
}

func TestPumpSurvivesReadTimeoutsBetweenChunks(t *testing.T) {
	server, client := net.Pipe()
	var counted atomic.Int64
	p := Start(server, Options{ReadTimeout: 20 * time.Millisecond, Label: "client", OnBytes: func(n int) { counted.Add(int64(n)) }})
	defer p.Close()

	go func() {
		_, _ = client.Write([]byte("GET / HT"))
		time.Sleep(80 * time.Millisecond)
		_, _ = client.Write([]byte("TP/1.0\r\nHost: x\r\n\r\n"))
	}()

	r := bufio.NewReader(p)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.0\r\n", line)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Host: x\r\n", line)
	assert.Equal(t, int64(27), counted.Load())
}

func TestPumpPeerCloseEndsStream(t *testing.T) {
	server, client := net.Pipe()
	p := Start(server, Options{ReadTimeout: 20 * time.Millisecond})

	go func() {
		_, _ = client.Write([]byte("body"))
		_ = client.Close()
	}()

	data, err := io.ReadAll(p)
	require.NoError(t, err)
	assert.Equal(t, "body", string(data))

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop after peer close")
	}
	result, perr := p.Err()
	assert.Equal(t, Closed, result)
	assert.NoError(t, perr)
	require.NoError(t, p.Close())
}

func TestPumpConsumerClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	p := Start(server, Options{ReadTimeout: 20 * time.Millisecond})

	require.NoError(t, p.Close())
	_, err := p.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrClosed)
	result, _ := p.Err()
	assert.Equal(t, Closed, result)

	select {
	case <-p.Done():
	default:
		t.Fatal("Close returned before the pump exited")
	}
}

func TestPumpWriteGoesToConnection(t *testing.T) {
	server, client := net.Pipe()
	p := Start(server, Options{ReadTimeout: 20 * time.Millisecond})
	defer p.Close()

	go func() { _, _ = p.Write([]byte("pong")) }()
	buf := make([]byte, 4)
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
}

// scriptedConn replays fixed reads and can refuse read deadlines, the way a
// net.Pipe does once its peer has closed.
type scriptedConn struct {
	net.Conn
	mu          sync.Mutex
	reads       []string
	final       error
	deadlineErr error
	closed      bool
}

func (c *scriptedConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.reads) > 0 {
		n := copy(b, c.reads[0])
		c.reads = c.reads[1:]
		return n, nil
	}
	return 0, c.final
}

func (c *scriptedConn) SetReadDeadline(time.Time) error { return c.deadlineErr }

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestPumpReadsThroughRefusedDeadline(t *testing.T) {
	conn := &scriptedConn{reads: []string{"body"}, final: io.EOF, deadlineErr: io.ErrClosedPipe}
	p := Start(conn, Options{})

	data, err := io.ReadAll(p)
	require.NoError(t, err)
	assert.Equal(t, "body", string(data))

	<-p.Done()
	result, perr := p.Err()
	assert.Equal(t, Closed, result)
	assert.NoError(t, perr)
	conn.mu.Lock()
	assert.True(t, conn.closed)
	conn.mu.Unlock()
}

func TestPumpPassesConnectionErrorsThrough(t *testing.T) {
	reset := errors.New("connection reset by peer")
	p := Start(&scriptedConn{reads: []string{"par"}, final: reset}, Options{})

	data, err := io.ReadAll(p)
	assert.Equal(t, "par", string(data))
	assert.ErrorIs(t, err, reset)
	assert.NotErrorIs(t, err, ErrClosed)

	<-p.Done()
	result, perr := p.Err()
	assert.Equal(t, Failed, result)
	assert.ErrorIs(t, perr, reset)
}

func TestPumpPeerClosedPipeIsNotConsumerClose(t *testing.T) {
	conn := &scriptedConn{final: io.ErrClosedPipe}
	p := Start(conn, Options{})

	_, err := io.ReadAll(p)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.NotErrorIs(t, err, ErrClosed)
}
