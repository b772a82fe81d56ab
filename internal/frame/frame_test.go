// ABOUTME: Tests for length-prefixed framing
// ABOUTME: Covers round trips, oversized headers, truncation, and concurrent writers

package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_RoundTrip(t *testing.T) {
	sizes := []int{0, 1, 63, 64, 4096, MaxFrameSize - 1}

	for _, n := range sizes {
		var stream bytes.Buffer
		ch := NewChannel(&stream)

		payload := bytes.Repeat([]byte{'x'}, n)
		require.NoError(t, ch.Send(payload))
		assert.Equal(t, headerSize+n, stream.Len())

		got, err := ch.Recv()
		require.NoError(t, err, "size %d", n)
		assert.Equal(t, payload, got, "size %d", n)
	}
}

func TestChannel_HeaderIsBigEndian(t *testing.T) {
	var stream bytes.Buffer
	ch := NewChannel(&stream)

	require.NoError(t, ch.Send([]byte("hello")))
	assert.Equal(t, []byte{0, 0, 0, 5, 'h', 'e', 'l', 'l', 'o'}, stream.Bytes())
}

func TestChannel_RecvRejectsOversizedHeader(t *testing.T) {
	for _, declared := range []uint32{MaxFrameSize, MaxFrameSize + 1, 0xFFFFFFFF} {
		var stream bytes.Buffer
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], declared)
		stream.Write(hdr[:])
		trailing := "trailing bytes that must not be consumed"
		stream.WriteString(trailing)

		_, err := NewChannel(&stream).Recv()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrFrameTooLarge), "declared %d: %v", declared, err)
		assert.Equal(t, len(trailing), stream.Len(), "payload must not be read")
	}
}

func TestChannel_SendRejectsOversizedPayload(t *testing.T) {
	var stream bytes.Buffer
	err := NewChannel(&stream).Send(make([]byte, MaxFrameSize))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, stream.Len())
}

func TestChannel_CleanEOF(t *testing.T) {
	_, err := NewChannel(&bytes.Buffer{}).Recv()
	assert.Equal(t, io.EOF, err)
}

func TestChannel_TruncatedPayload(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{0, 0, 0, 10})
	stream.WriteString("short")

	_, err := NewChannel(&stream).Recv()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestChannel_TruncatedHeader(t *testing.T) {
	stream := bytes.NewBuffer([]byte{0, 0})

	_, err := NewChannel(stream).Recv()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestChannel_ConcurrentSendersDoNotInterleave(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	writer := NewChannel(client)
	reader := NewChannel(server)

	const senders = 8
	const perSender = 20

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{b}, 1000)
			for j := 0; j < perSender; j++ {
				if err := writer.Send(payload); err != nil {
					t.Errorf("Send: %v", err)
					return
				}
			}
		}(byte('a' + i))
	}

	counts := make(map[byte]int)
	for i := 0; i < senders*perSender; i++ {
		got, err := reader.Recv()
		require.NoError(t, err)
		require.Len(t, got, 1000)
		first := got[0]
		assert.Equal(t, bytes.Repeat([]byte{first}, 1000), got)
		counts[first]++
	}
	wg.Wait()

	for i := 0; i < senders; i++ {
		assert.Equal(t, perSender, counts[byte('a'+i)])
	}
}
