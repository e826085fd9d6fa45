package transport

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/simeonmiteff/aft/pkg/wire"
)

func TestInProcessPairRoundTrip(t *testing.T) {
	a, b := NewInProcessPair()
	defer a.Close()
	defer b.Close()

	want := wire.WrapMsgSend(wire.MsgSend{SendNode: 1, SendID: 2, RecvNode: 3, Payload: []byte("hi")})
	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(want) }()

	got, err := b.Recv()
	assert.NilError(t, err)
	assert.NilError(t, <-errCh)
	assert.Equal(t, got.Kind, wire.KindMsgSend)
	assert.DeepEqual(t, *got.MsgSend, *want.MsgSend)
}

func TestInProcessPairMultipleKinds(t *testing.T) {
	a, b := NewInProcessPair()
	defer a.Close()
	defer b.Close()

	envs := []wire.Envelope{
		wire.WrapPing(wire.Ping{AttemptID: 1}),
		wire.WrapChildAck(wire.ChildAck{AttemptID: 1, Address: "x"}),
		wire.WrapInitialData(wire.InitialData{Payload: []byte("seed")}),
	}

	go func() {
		for _, e := range envs {
			_ = a.Send(e)
		}
	}()

	for _, want := range envs {
		got, err := b.Recv()
		assert.NilError(t, err)
		assert.Equal(t, got.Kind, want.Kind)
	}
}

func TestListenAndDial(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	assert.NilError(t, err)
	defer ln.Close()

	acceptCh := make(chan Conn, 1)
	go func() {
		c, err := ln.Accept()
		assert.NilError(t, err)
		acceptCh <- c
	}()

	client, err := DialTCP(ln.Addr())
	assert.NilError(t, err)
	defer client.Close()

	server := <-acceptCh
	defer server.Close()

	want := wire.WrapPing(wire.Ping{AttemptID: 42})
	assert.NilError(t, client.Send(want))

	got, err := server.Recv()
	assert.NilError(t, err)
	assert.Equal(t, got.Ping.AttemptID, int64(42))
}
