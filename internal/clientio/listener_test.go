package clientio

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bgpmon/collector/internal/bmf"
	"github.com/bgpmon/collector/internal/queue"
)

type stubSerializer struct{}

func (stubSerializer) Serialize(rec *bmf.Record) ([]byte, error) {
	return append([]byte("REC:"), rec.Payload...), nil
}

func TestSubscriberReceivesStreamOpenTokenThenRecords(t *testing.T) {
	source := queue.New("labeled")
	l := NewListener("updates", "127.0.0.1:0", source, stubSerializer{}, 8, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	serverConn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	ln.Close()

	l.acceptSubscriber(ctx, serverConn)
	if l.ActiveCount() != 1 {
		t.Fatalf("expected 1 active subscriber, got %d", l.ActiveCount())
	}

	reader := bufio.NewReader(clientConn)
	token := make([]byte, len(streamOpenToken))
	if _, err := readFull(reader, token); err != nil {
		t.Fatalf("read stream-open token: %v", err)
	}
	if string(token) != streamOpenToken {
		t.Fatalf("expected stream-open token %q, got %q", streamOpenToken, token)
	}

	if _, err := source.Write(context.Background(), &bmf.Record{Payload: []byte("hello")}); err != nil {
		t.Fatalf("write to source: %v", err)
	}

	want := "REC:hello"
	got := make([]byte, len(want))
	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := readFull(reader, got); err != nil {
		t.Fatalf("read serialized record: %v", err)
	}
	if string(got) != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	clientConn.Close()
}

func TestAcceptSubscriberCountsActive(t *testing.T) {
	source := queue.New("labeled")
	l := NewListener("updates", "127.0.0.1:0", source, stubSerializer{}, 1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c1, s1 := net.Pipe()
	l.acceptSubscriber(ctx, s1)
	defer c1.Close()

	time.Sleep(10 * time.Millisecond)
	if l.ActiveCount() != 1 {
		t.Fatalf("expected 1 active after first accept, got %d", l.ActiveCount())
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
