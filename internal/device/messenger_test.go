package device

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

type port struct {
	io.Reader
	io.Writer
}

func TestEncode(t *testing.T) {
	frame, err := Encode(0, byte('A'), 300)
	require.NoError(t, err)
	// 300 = 0x012C, младший байт совпадает с разделителем полей.
	assert.Equal(t, []byte{'0', ',', 'A', ',', '/', ',', 0x01, ';'}, frame)

	frame, err = Encode(2, 300, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte{'2', ',', '/', ',', 0x01, ',', 0x64, 0x00, ';'}, frame)

	frame, err = Encode(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("1;"), frame)

	frame, err = Encode(1, true, false)
	require.NoError(t, err)
	assert.Equal(t, []byte{'1', ',', 0x01, ',', 0x00, ';'}, frame)

	frame, err = Encode(0, -1)
	require.NoError(t, err)
	assert.Equal(t, []byte{'0', ',', 0xff, 0xff, ';'}, frame)

	frame, err = Encode(3, byte('/'))
	require.NoError(t, err)
	assert.Equal(t, []byte{'3', ',', '/', '/', ';'}, frame)
}

func TestEncodeRejects(t *testing.T) {
	_, err := Encode(0, 40000)
	assert.Error(t, err)
	_, err = Encode(0, -40000)
	assert.Error(t, err)
	_, err = Encode(0, "A")
	assert.Error(t, err)
	_, err = Encode(-1)
	assert.Error(t, err)
}

func TestMessengerAcks(t *testing.T) {
	pr, pw := io.Pipe()
	m := NewMessenger(port{Reader: pr, Writer: io.Discard}, nil)
	defer m.Close()
	acks := m.Acks()

	go func() {
		pw.Write([]byte("1x1"))
		pw.Write([]byte("\r\n1"))
		pw.Close()
	}()

	for i := 0; i < 3; i++ {
		select {
		case _, ok := <-acks:
			require.True(t, ok, "ack %d", i)
		case <-time.After(time.Second):
			t.Fatalf("ack %d not received", i)
		}
	}
	select {
	case _, ok := <-acks:
		assert.False(t, ok, "ack stream must close on EOF")
	case <-time.After(time.Second):
		t.Fatalf("ack stream was not closed")
	}
}

func TestMessengerSerializesCommands(t *testing.T) {
	out := &lockedBuffer{}
	m := NewMessenger(port{Reader: bytes.NewReader(nil), Writer: out}, nil)

	var wg sync.WaitGroup
	for v := 1; v <= 40; v++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			assert.NoError(t, m.Send(5, v))
		}(v)
	}
	wg.Wait()

	frames := bytes.Split(bytes.TrimSuffix(out.Bytes(), []byte{';'}), []byte{';'})
	assert.Len(t, frames, 40)
	for _, f := range frames {
		require.Len(t, f, 4)
		assert.Equal(t, []byte("5,"), f[:2])
		assert.Equal(t, byte(0), f[3])
	}
	assert.EqualValues(t, 40, m.Sent())
}

func TestMessengerClosed(t *testing.T) {
	m := NewMessenger(port{Reader: bytes.NewReader(nil), Writer: io.Discard}, nil)
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Send(1), ErrClosed)
}

func TestValveControllerFrames(t *testing.T) {
	out := &lockedBuffer{}
	c := &ValveController{M: NewMessenger(port{Reader: bytes.NewReader(nil), Writer: out}, nil)}
	ctx := context.Background()

	require.NoError(t, c.OpenValve(ctx, 'B', 200))
	require.NoError(t, c.ExtraFlush(ctx, 100, 0))
	require.NoError(t, c.SwitchPanel(ctx))
	require.NoError(t, c.OpenGasValve(ctx, 5))
	require.NoError(t, c.OpenOdorGas(ctx, 'C', 7))
	require.NoError(t, c.Purge(ctx, 3))
	require.NoError(t, c.SolventWash(ctx))

	want := []byte{}
	want = append(want, '0', ',', 'B', ',', 0xc8, 0x00, ';')
	want = append(want, '2', ',', 0x64, 0x00, ',', 0x00, 0x00, ';')
	want = append(want, '1', ';')
	want = append(want, '5', ',', 0x05, 0x00, ';')
	want = append(want, '6', ',', 'C', ',', 0x07, 0x00, ';')
	want = append(want, '3', ',', 0x03, 0x00, ';')
	want = append(want, '4', ';')
	assert.Equal(t, want, out.Bytes())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, c.SwitchPanel(cancelled))
	assert.Equal(t, want, out.Bytes())
}

func TestFlowControllerFrames(t *testing.T) {
	out := &lockedBuffer{}
	c := &FlowController{M: NewMessenger(port{Reader: bytes.NewReader(nil), Writer: out}, nil), Channels: 4}

	require.NoError(t, c.SetFlow(context.Background(), 200, 20, 200))
	require.NoError(t, c.WriteTTL(false, true))
	assert.Equal(t, []byte{
		'0', ',', 0xc8, 0x00, ',', 0x14, 0x00, ',', 0xc8, 0x00, ',', 0x00, 0x00, ';',
		'1', ',', 0x00, ',', 0x01, ';',
	}, out.Bytes())

	assert.Error(t, c.SetFlow(context.Background(), 1, 2))
	assert.Error(t, c.SetFlow(context.Background(), 1, 2, 3, 4, 5))
}
