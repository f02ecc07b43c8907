package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"auditpipe/internal/tester"
)

// fakeNATS speaks enough of the NATS client protocol to accept a
// connection, answer pings and capture published payloads.
type fakeNATS struct {
	ln       net.Listener
	payloads chan []byte
}

func startFakeNATS(t *testing.T) *fakeNATS {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tester.NoErr(t, err)
	f := &fakeNATS{ln: ln, payloads: make(chan []byte, 8)}
	t.Cleanup(func() { _ = ln.Close() })
	go f.serve()
	return f
}

func (f *fakeNATS) url() string { return "nats://" + f.ln.Addr().String() }

func (f *fakeNATS) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeNATS) handle(conn net.Conn) {
	defer conn.Close()
	addr := f.ln.Addr().(*net.TCPAddr)
	fmt.Fprintf(conn, "INFO {\"server_id\":\"fake\",\"version\":\"2.10.0\",\"proto\":1,\"headers\":true,\"max_payload\":1048576,\"host\":\"127.0.0.1\",\"port\":%d}\r\n", addr.Port)
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "PING":
			if _, err := io.WriteString(conn, "PONG\r\n"); err != nil {
				return
			}
		case strings.HasPrefix(line, "PUB "):
			fields := strings.Fields(line)
			size, err := strconv.Atoi(fields[len(fields)-1])
			if err != nil {
				return
			}
			buf := make([]byte, size+2)
			if _, err := io.ReadFull(r, buf); err != nil {
				return
			}
			f.payloads <- buf[:size]
		}
	}
}

func TestPublishProgressWithoutDeadlineFlushes(t *testing.T) {
	srv := startFakeNATS(t)
	p, err := NewNATS(srv.url(), "")
	tester.NoErr(t, err)
	defer p.Close()

	ctx := context.WithoutCancel(context.Background())
	_, hasDeadline := ctx.Deadline()
	tester.False(t, hasDeadline)
	tester.NoErr(t, p.PublishProgress(ctx, Progress{RunID: "run-1", Seq: 1, Phase: "recon", Completed: 1, Total: 3}))

	select {
	case raw := <-srv.payloads:
		var got Progress
		tester.NoErr(t, json.Unmarshal(raw, &got))
		tester.Eq(t, got.RunID, "run-1")
		tester.Eq(t, got.Phase, "recon")
	case <-time.After(5 * time.Second):
		t.Fatal("no payload reached the server")
	}
}
