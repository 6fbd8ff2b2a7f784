package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// connHandler scripts one accepted connection of a mock daemon.
type connHandler func(t *testing.T, conn net.Conn, in *bufio.Scanner)

// startMockDaemon listens on a temporary Unix socket and runs the next
// handler for every accepted connection. Connections beyond the scripted
// ones are closed immediately.
func startMockDaemon(t *testing.T, handlers ...connHandler) string {
	t.Helper()

	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		for i := 0; ; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if i >= len(handlers) {
				conn.Close()
				continue
			}
			go func(h connHandler) {
				defer conn.Close()
				h(t, conn, bufio.NewScanner(conn))
			}(handlers[i])
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		os.Remove(sockPath)
	})
	return sockPath
}

// readCommand reads the next command line from the client.
func readCommand(in *bufio.Scanner) (Command, bool) {
	if !in.Scan() {
		return Command{}, false
	}
	var cmd Command
	if err := json.Unmarshal(in.Bytes(), &cmd); err != nil {
		return Command{}, false
	}
	return cmd, true
}

func writeLine(conn net.Conn, v any) {
	data, _ := json.Marshal(v)
	conn.Write(append(data, '\n'))
}

// respond answers one command with resp and reports the command received.
func respond(resp Response, got chan<- Command) connHandler {
	return func(t *testing.T, conn net.Conn, in *bufio.Scanner) {
		cmd, ok := readCommand(in)
		if !ok {
			return
		}
		if got != nil {
			got <- cmd
		}
		writeLine(conn, resp)
	}
}

func TestClientSendCommand(t *testing.T) {
	got := make(chan Command, 1)
	sockPath := startMockDaemon(t, respond(Response{OK: true, Device: "USB Mic"}, got))

	client, err := Connect(sockPath)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	resp, err := client.SendCommand(Command{Cmd: CmdMic, Device: "USB Mic"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if !resp.OK {
		t.Error("ok = false, want true")
	}
	if resp.Device != "USB Mic" {
		t.Errorf("device = %q, want %q", resp.Device, "USB Mic")
	}
	if cmd := <-got; cmd.Cmd != CmdMic {
		t.Errorf("daemon received %q, want %q", cmd.Cmd, CmdMic)
	}
}

func TestClientConnectFailure(t *testing.T) {
	_, err := Connect("/nonexistent/path/speechd.sock")
	if err == nil {
		t.Error("expected error connecting to nonexistent socket")
	}
}

func TestClientConnectionClosed(t *testing.T) {
	sockPath := startMockDaemon(t, func(t *testing.T, conn net.Conn, in *bufio.Scanner) {
		readCommand(in)
	})

	client, err := Connect(sockPath)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	_, err = client.SendCommand(Command{Cmd: CmdStatus})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestClientReadEvents(t *testing.T) {
	sockPath := startMockDaemon(t, func(t *testing.T, conn net.Conn, in *bufio.Scanner) {
		readCommand(in)
		writeLine(conn, Response{OK: true})
		writeLine(conn, Event{Event: EventPartial, Text: "hello"})
		writeLine(conn, Event{Event: EventAudio, Audio: []byte{1, 2, 3, 4}})
	})

	client, err := Connect(sockPath)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if _, err := client.SendCommand(Command{Cmd: CmdRecognize}); err != nil {
		t.Fatalf("recognize: %v", err)
	}

	ev1, err := client.ReadEvent()
	if err != nil {
		t.Fatalf("read event 1: %v", err)
	}
	if ev1.Event != EventPartial || ev1.Text != "hello" {
		t.Errorf("event1 = %+v", ev1)
	}

	ev2, err := client.ReadEvent()
	if err != nil {
		t.Fatalf("read event 2: %v", err)
	}
	if ev2.Event != EventAudio || len(ev2.Audio) != 4 {
		t.Errorf("event2 = %+v", ev2)
	}
}

func TestStatus(t *testing.T) {
	sockPath := startMockDaemon(t, respond(Response{OK: true, Status: "idle"}, nil))

	resp, err := Status(context.Background(), sockPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp.Status != "idle" {
		t.Errorf("status = %q, want idle", resp.Status)
	}
}

// silentDaemon accepts a command and never answers until the test ends.
func silentDaemon(t *testing.T) connHandler {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	return func(t *testing.T, conn net.Conn, in *bufio.Scanner) {
		readCommand(in)
		<-block
	}
}

func TestSendCommandContextDeadline(t *testing.T) {
	sockPath := startMockDaemon(t, silentDaemon(t))

	client, err := Connect(sockPath)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := client.SendCommandContext(ctx, Command{Cmd: CmdStatus})
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendCommandContext ignored its deadline")
	}
}

func TestSendCommandContextCancel(t *testing.T) {
	sockPath := startMockDaemon(t, silentDaemon(t))

	client, err := Connect(sockPath)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.SendCommandContext(ctx, Command{Cmd: CmdStatus})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not interrupt the pending read")
	}
}
