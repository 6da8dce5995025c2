// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"src.bluestatic.org/pop3client/pkg/pop3"
)

func _fl(depth int) string {
	_, file, line, _ := runtime.Caller(depth + 1)
	return fmt.Sprintf("[%s:%d]", filepath.Base(file), line)
}

func ok(t testing.TB, err error) {
	if err != nil {
		t.Errorf("%s unexpected error: %v", _fl(1), err)
	}
}

type testSource struct {
	connectErr error
	getMsgs    func() ([]Message, error)
	closeErr   error
	closed     int
}

func (s *testSource) Connect(context.Context) error { return s.connectErr }
func (s *testSource) Reset(context.Context) error   { return nil }
func (s *testSource) Close(context.Context) error {
	s.closed++
	return s.closeErr
}
func (s *testSource) GetMessages(context.Context) ([]Message, error) {
	return s.getMsgs()
}

type testMessage struct {
	id         string
	buf        bytes.Buffer
	contentErr error
	deleted    bool
	deleteErr  error
}

func (m *testMessage) ID() string { return m.id }
func (m *testMessage) Content(context.Context) (io.ReadCloser, error) {
	if m.contentErr != nil {
		return nil, m.contentErr
	}
	return io.NopCloser(bytes.NewReader(m.buf.Bytes())), nil
}
func (m *testMessage) Delete(context.Context) error {
	m.deleted = true
	return m.deleteErr
}

type testDestination struct {
	connectErr error
	msgs       [][]byte
	addMsgErr  error
	closeErr   error
	closed     int
}

func (d *testDestination) Connect(context.Context) (DestinationConnection, error) {
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	return d, nil
}
func (d *testDestination) AddMessage(_ context.Context, msg []byte) error {
	if d.addMsgErr == nil {
		d.msgs = append(d.msgs, msg)
	}
	return d.addMsgErr
}
func (d *testDestination) Close() error {
	d.closed++
	return d.closeErr
}

type memSeenStore map[string]bool

func (s memSeenStore) Seen(_ context.Context, source, uid string) (bool, error) {
	return s[source+"\x00"+uid], nil
}
func (s memSeenStore) MarkSeen(_ context.Context, source, uid string) error {
	s[source+"\x00"+uid] = true
	return nil
}
func (s memSeenStore) Forget(context.Context, string, []string) error { return nil }

func makeMonitor(src Source, dst Destination) *Monitor {
	return &Monitor{
		c: MonitorConfig{
			PollIntervalSeconds: 3600,
			Source:              ServerConfig{Type: ServerTypePOP3, Email: "src@example.com"},
			Destination:         ServerConfig{Type: ServerTypeGmail, Email: "dst@example.com"},
		},
		log: zap.L(),
		src: src,
		dst: dst,
		key: "test",
	}
}

func oneMessage(msg Message) func() ([]Message, error) {
	return func() ([]Message, error) {
		return []Message{msg}, nil
	}
}

var (
	srcConnErr       = fmt.Errorf("source-connect-err")
	dstConnErr       = fmt.Errorf("dest-connect-err")
	getMsgsErr       = fmt.Errorf("get-msgs")
	getMsgContentErr = fmt.Errorf("get-msg-content")
	addMsgErr        = fmt.Errorf("add-msg")
	msgDeleteErr     = fmt.Errorf("delete-msg")
	srcCloseErr      = fmt.Errorf("source-close")
)

func TestSourceConnectError(t *testing.T) {
	s := &testSource{connectErr: srcConnErr}
	d := &testDestination{}
	m := makeMonitor(s, d)
	err := m.Start(t.Context())
	if err == nil {
		t.Errorf("Expected error in Start, got nil")
	} else if !errors.Is(err, srcConnErr) {
		t.Errorf("Error is not %v", srcConnErr)
	}
}

func TestDestConnectError(t *testing.T) {
	s := &testSource{}
	d := &testDestination{connectErr: dstConnErr}
	m := makeMonitor(s, d)
	err := m.Start(t.Context())
	if err == nil {
		t.Errorf("Expected error in Start, got nil")
	} else if !errors.Is(err, dstConnErr) {
		t.Errorf("Error is not %v", dstConnErr)
	}
	if want, got := 1, s.closed; want != got {
		t.Errorf("Expected source to be closed %d times, got %d", want, got)
	}
}

func TestGetMessagesError(t *testing.T) {
	s := &testSource{
		getMsgs: func() ([]Message, error) {
			return nil, getMsgsErr
		},
	}
	d := &testDestination{}
	m := makeMonitor(s, d)
	err := m.Start(t.Context())
	if err == nil {
		t.Errorf("Expected error in Start, got nil")
	} else if !errors.Is(err, getMsgsErr) {
		t.Errorf("Error is not %v", getMsgsErr)
	}
}

func TestMoveOneMessageSuccess(t *testing.T) {
	msg := &testMessage{id: "msg1"}
	fmt.Fprint(&msg.buf, "Subject: hello\r\nMessage-Id: <1@example.com>\r\n\r\nMessage1\r\n")
	s := &testSource{getMsgs: oneMessage(msg)}
	d := &testDestination{}
	m := makeMonitor(s, d)

	before := testutil.ToFloat64(messagesTotal.WithLabelValues("test", "transferred"))
	err := m.Start(t.Context())
	if err != nil {
		t.Errorf("Expected monitor to Start successfully")
	}
	if !msg.deleted {
		t.Errorf("Expected source message to be deleted")
	}
	if want, got := 1, len(d.msgs); want != got {
		t.Fatalf("Expected %d dest messages, got %d", want, got)
	}
	if !bytes.HasSuffix(d.msgs[0], msg.buf.Bytes()) {
		t.Errorf("Expected dest message to contain %s, got %s", string(msg.buf.Bytes()), string(d.msgs[0]))
	}
	if !bytes.HasPrefix(d.msgs[0], []byte("Received: from <src@example.com> (via pop3) by pop3-router\r\n")) {
		t.Errorf("Expected Received header, got %s", string(d.msgs[0]))
	}
	if want, got := before+1, testutil.ToFloat64(messagesTotal.WithLabelValues("test", "transferred")); want != got {
		t.Errorf("Expected transferred count %v, got %v", want, got)
	}
}

func TestMoveMessageFailRead(t *testing.T) {
	msg := &testMessage{id: "msg1", contentErr: getMsgContentErr}
	s := &testSource{getMsgs: oneMessage(msg)}
	d := &testDestination{}
	m := makeMonitor(s, d)
	err := m.Start(t.Context())
	if err != nil {
		t.Errorf("Expected monitor to Start successfully")
	}
	if msg.deleted {
		t.Errorf("Expected source message to remain")
	}
	if want, got := 0, len(d.msgs); want != got {
		t.Errorf("Expected %d dest messages, got %d", want, got)
	}
}

func TestMoveMessageFailWrite(t *testing.T) {
	msg := &testMessage{id: "msg1"}
	fmt.Fprintln(&msg.buf, "Message1")
	s := &testSource{getMsgs: oneMessage(msg)}
	d := &testDestination{addMsgErr: addMsgErr}
	m := makeMonitor(s, d)
	err := m.Start(t.Context())
	if err != nil {
		t.Errorf("Expected monitor to Start successfully")
	}
	if msg.deleted {
		t.Errorf("Expected source message to remain")
	}
	if want, got := 0, len(d.msgs); want != got {
		t.Errorf("Expected %d dest messages, got %d", want, got)
	}
}

func TestMoveOneMessageDeleteError(t *testing.T) {
	msg := &testMessage{id: "msg1", deleteErr: msgDeleteErr}
	fmt.Fprintln(&msg.buf, "Message1")
	s := &testSource{getMsgs: oneMessage(msg)}
	d := &testDestination{}
	m := makeMonitor(s, d)
	err := m.Start(t.Context())
	if err != nil {
		t.Errorf("Expected monitor to Start successfully")
	}
	if !msg.deleted {
		t.Errorf("Expected source message to be deleted")
	}
	if want, got := 1, len(d.msgs); want != got {
		t.Fatalf("Expected %d dest messages, got %d", want, got)
	}
	if !bytes.HasSuffix(d.msgs[0], msg.buf.Bytes()) {
		t.Errorf("Expected dest message to contain %s, got %s", string(msg.buf.Bytes()), string(d.msgs[0]))
	}
}

func TestSourceCloseErrorClosesDest(t *testing.T) {
	s := &testSource{
		getMsgs:  func() ([]Message, error) { return nil, nil },
		closeErr: srcCloseErr,
	}
	d := &testDestination{}
	m := makeMonitor(s, d)
	err := m.runOnce(t.Context())
	if !errors.Is(err, srcCloseErr) {
		t.Errorf("Expected %v, got %v", srcCloseErr, err)
	}
	if want, got := 1, d.closed; want != got {
		t.Errorf("Expected dest to be closed %d times, got %d", want, got)
	}
}

func TestFatalErrorStopsPoll(t *testing.T) {
	bad := &testMessage{id: "msg1", contentErr: fmt.Errorf("RETR: %w", pop3.ErrTruncated)}
	good := &testMessage{id: "msg2"}
	fmt.Fprintln(&good.buf, "Message2")
	s := &testSource{
		getMsgs: func() ([]Message, error) {
			return []Message{bad, good}, nil
		},
	}
	d := &testDestination{}
	m := makeMonitor(s, d)
	ok(t, m.Start(t.Context()))
	if want, got := 0, len(d.msgs); want != got {
		t.Errorf("Expected %d dest messages, got %d", want, got)
	}
	if good.deleted {
		t.Errorf("Expected remaining message to wait for the next poll")
	}
}

func TestKeepOnServer(t *testing.T) {
	msg := &testMessage{id: "uid-1"}
	fmt.Fprintln(&msg.buf, "Message1")
	s := &testSource{getMsgs: oneMessage(msg)}
	d := &testDestination{}
	m := makeMonitor(s, d)
	m.c.Source.KeepOnServer = true
	m.seen = memSeenStore{}

	ok(t, m.runOnce(t.Context()))
	ok(t, m.runOnce(t.Context()))

	if msg.deleted {
		t.Errorf("Expected source message to stay on the server")
	}
	if want, got := 1, len(d.msgs); want != got {
		t.Errorf("Expected %d dest messages, got %d", want, got)
	}
}

func TestGetReceivedInfo(t *testing.T) {
	m := makeMonitor(nil, nil)
	m.c.Destination = ServerConfig{Type: ServerTypeS3, Bucket: "archive"}
	got := string(getReceivedInfo(m.c, testTime))
	want := "Received: from <src@example.com> (via pop3) by pop3-router\r\n" +
		"        for <src@example.com> (via s3); Tue, 03 Jun 2025 10:04:05 +0000\r\n"
	if want != got {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
