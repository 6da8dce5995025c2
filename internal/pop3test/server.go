// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package pop3test runs an in-process POP3 server for tests.
package pop3test

import (
	"crypto/md5"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"go.uber.org/zap"
)

// Timestamp is the APOP banner token sent in every greeting (RFC 1939 § 7).
const Timestamp = "<1896.697170952@dbc.mtview.ca.us>"

type state int

const (
	stateAuth state = iota
	stateTxn
)

const (
	errStateAuth  = "not in AUTHORIZATION"
	errStateTxn   = "not in TRANSACTION"
	errSyntax     = "syntax error"
	errDeletedMsg = "no such message - deleted"
)

// Message is a message in the test maildrop. Body uses "\n" line endings.
type Message struct {
	UID  string
	Body string

	// Size, if positive, is reported by STAT and LIST in place of the size
	// of Body on the wire.
	Size int
}

func (m *Message) size() int {
	if m.Size > 0 {
		return m.Size
	}
	return len(m.Body) + strings.Count(m.Body, "\n")
}

// Server is a single-maildrop POP3 server. Fields may be changed between
// connections but not while a connection is being served.
type Server struct {
	Name       string
	User, Pass string

	mu       sync.Mutex
	Messages []*Message

	// TLSConfig enables STLS when set.
	TLSConfig *tls.Config

	// TruncateBodies makes RETR and TOP hang up half way through the body.
	TruncateBodies bool
	// FailQuit makes QUIT in TRANSACTION reply -ERR, leaving the maildrop
	// untouched.
	FailQuit bool
	// NoUIDL makes the server reject UIDL as an unknown command.
	NoUIDL bool

	Log *zap.Logger
}

// NewServer returns a server accepting user "u" with password "p".
func NewServer() *Server {
	return &Server{
		Name: "Test-Server",
		User: "u",
		Pass: "p",
		Log:  zap.NewNop(),
	}
}

// Run serves s on a loopback listener that is closed when the test ends.
func Run(tb testing.TB, s *Server) net.Listener {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		tb.Fatal(err)
		return nil
	}
	tb.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go s.AcceptConnection(conn)
		}
	}()
	return l
}

// Maildrop returns a snapshot of the messages left in the maildrop.
func (s *Server) Maildrop() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		msgs[i] = *m
	}
	return msgs
}

type connection struct {
	s  *Server
	nc net.Conn
	tp *textproto.Conn

	log *zap.Logger

	state
	line string

	user    string
	msgs    []*Message
	deleted map[int]bool
}

// AcceptConnection serves one client over netConn until QUIT or a read error.
func (s *Server) AcceptConnection(netConn net.Conn) {
	log := s.Log.With(zap.Stringer("client", netConn.RemoteAddr()))
	conn := &connection{
		s:       s,
		nc:      netConn,
		tp:      textproto.NewConn(netConn),
		state:   stateAuth,
		log:     log,
		deleted: make(map[int]bool),
	}
	defer conn.tp.Close()

	conn.ok(fmt.Sprintf("POP3 (%s) server ready %s", s.Name, Timestamp))

	for {
		var err error
		conn.line, err = conn.tp.ReadLine()
		if err != nil {
			conn.log.Debug("ReadLine()", zap.Error(err))
			return
		}

		cmd, _, _ := strings.Cut(conn.line, " ")
		conn.log = log.With(zap.String("command", cmd))

		switch strings.ToUpper(cmd) {
		case "QUIT":
			conn.doQUIT()
			return
		case "USER":
			conn.doUSER()
		case "PASS":
			conn.doPASS()
		case "APOP":
			conn.doAPOP()
		case "AUTH":
			conn.doAUTH()
		case "STLS":
			if !conn.doSTLS() {
				return
			}
		case "CAPA":
			conn.doCAPA()
		case "STAT":
			conn.doSTAT()
		case "LIST":
			conn.doLIST()
		case "UIDL":
			if conn.s.NoUIDL {
				conn.err("unknown command")
				break
			}
			conn.doUIDL()
		case "RETR":
			conn.doRETR()
		case "TOP":
			conn.doTOP()
		case "DELE":
			conn.doDELE()
		case "NOOP":
			if conn.requireTxn() {
				conn.ok("")
			}
		case "RSET":
			conn.doRSET()
		default:
			conn.err("unknown command")
		}
	}
}

func (conn *connection) ok(msg string) {
	conn.log.Debug("ok", zap.String("reply", msg))
	if len(msg) > 0 {
		msg = " " + msg
	}
	conn.tp.PrintfLine("+OK%s", msg)
}

func (conn *connection) err(msg string) {
	conn.log.Debug("error", zap.String("message", msg))
	if len(msg) > 0 {
		msg = " " + msg
	}
	conn.tp.PrintfLine("-ERR%s", msg)
}

func (conn *connection) requireAuth() bool {
	if conn.state != stateAuth {
		conn.err(errStateAuth)
		return false
	}
	return true
}

func (conn *connection) requireTxn() bool {
	if conn.state != stateTxn {
		conn.err(errStateTxn)
		return false
	}
	return true
}

func (conn *connection) args() []string {
	return strings.Fields(conn.line)[1:]
}

func (conn *connection) openMaildrop() {
	conn.s.mu.Lock()
	conn.msgs = append([]*Message(nil), conn.s.Messages...)
	conn.s.mu.Unlock()
	conn.state = stateTxn
	conn.log.Debug("authenticated", zap.String("user", conn.user))
}

func (conn *connection) doQUIT() {
	if conn.state == stateTxn {
		if conn.s.FailQuit {
			conn.err("failed to remove some messages")
			return
		}
		conn.s.mu.Lock()
		var kept []*Message
		for i, msg := range conn.msgs {
			if !conn.deleted[i+1] {
				kept = append(kept, msg)
			}
		}
		conn.s.Messages = kept
		conn.s.mu.Unlock()
	}
	conn.ok("goodbye")
}

func (conn *connection) doUSER() {
	if !conn.requireAuth() {
		return
	}
	args := conn.args()
	if len(args) != 1 {
		conn.err("invalid user")
		return
	}
	if args[0] != conn.s.User {
		conn.err("unknown user")
		return
	}
	conn.user = args[0]
	conn.ok("")
}

func (conn *connection) doPASS() {
	if !conn.requireAuth() {
		return
	}
	if len(conn.user) == 0 {
		conn.err("no USER")
		return
	}
	args := conn.args()
	if len(args) != 1 {
		conn.err("invalid pass")
		return
	}
	if args[0] != conn.s.Pass {
		conn.err("invalid password")
		return
	}
	conn.openMaildrop()
	conn.ok("maildrop locked and ready")
}

func (conn *connection) doAPOP() {
	if !conn.requireAuth() {
		return
	}
	args := conn.args()
	if len(args) != 2 {
		conn.err(errSyntax)
		return
	}
	sum := md5.Sum([]byte(Timestamp + conn.s.Pass))
	if args[0] != conn.s.User || args[1] != hex.EncodeToString(sum[:]) {
		conn.err("permission denied")
		return
	}
	conn.user = args[0]
	conn.openMaildrop()
	conn.ok("maildrop locked and ready")
}

func (conn *connection) doAUTH() {
	if !conn.requireAuth() {
		return
	}
	args := conn.args()
	if len(args) < 1 || !strings.EqualFold(args[0], sasl.Plain) {
		conn.err("unsupported mechanism")
		return
	}
	srv := sasl.NewPlainServer(func(identity, username, password string) error {
		if username != conn.s.User || password != conn.s.Pass {
			return fmt.Errorf("invalid credentials")
		}
		conn.user = username
		return nil
	})

	var response []byte
	if len(args) == 2 {
		if args[1] != "=" {
			var err error
			if response, err = base64.StdEncoding.DecodeString(args[1]); err != nil {
				conn.err("invalid initial response")
				return
			}
		}
	} else {
		conn.tp.PrintfLine("+ ")
		line, err := conn.tp.ReadLine()
		if err != nil {
			return
		}
		if line == "*" {
			conn.err("authentication cancelled")
			return
		}
		if response, err = base64.StdEncoding.DecodeString(line); err != nil {
			conn.err("invalid response")
			return
		}
	}
	if _, _, err := srv.Next(response); err != nil {
		conn.err("authentication failed")
		return
	}
	conn.openMaildrop()
	conn.ok("maildrop locked and ready")
}

// doSTLS reports whether the connection can continue.
func (conn *connection) doSTLS() bool {
	if !conn.requireAuth() {
		return true
	}
	if conn.s.TLSConfig == nil {
		conn.err("STLS not supported")
		return true
	}
	conn.ok("begin TLS negotiation")
	tc := tls.Server(conn.nc, conn.s.TLSConfig)
	if err := tc.Handshake(); err != nil {
		conn.log.Debug("TLS handshake failed", zap.Error(err))
		return false
	}
	conn.nc = tc
	conn.tp = textproto.NewConn(tc)
	return true
}

func (conn *connection) doCAPA() {
	conn.ok("capability list follows")
	caps := []string{"USER", "TOP", "SASL PLAIN"}
	if !conn.s.NoUIDL {
		caps = []string{"USER", "UIDL", "TOP", "SASL PLAIN"}
	}
	if conn.s.TLSConfig != nil && conn.state == stateAuth {
		caps = append(caps, "STLS")
	}
	for _, c := range caps {
		conn.tp.PrintfLine("%s", c)
	}
	conn.tp.PrintfLine(".")
}

func (conn *connection) doSTAT() {
	if !conn.requireTxn() {
		return
	}
	size, num := 0, 0
	for i, msg := range conn.msgs {
		if conn.deleted[i+1] {
			continue
		}
		size += msg.size()
		num++
	}
	conn.ok(fmt.Sprintf("%d %d", num, size))
}

func (conn *connection) doLIST() {
	if !conn.requireTxn() {
		return
	}
	if len(conn.args()) > 0 {
		n, msg := conn.getRequestedMessage()
		if msg != nil {
			conn.ok(fmt.Sprintf("%d %d", n, msg.size()))
		}
		return
	}
	conn.ok("scan listing")
	for i, msg := range conn.msgs {
		if !conn.deleted[i+1] {
			conn.tp.PrintfLine("%d %d", i+1, msg.size())
		}
	}
	conn.tp.PrintfLine(".")
}

func (conn *connection) doUIDL() {
	if !conn.requireTxn() {
		return
	}
	if len(conn.args()) > 0 {
		n, msg := conn.getRequestedMessage()
		if msg != nil {
			conn.ok(fmt.Sprintf("%d %s", n, msg.UID))
		}
		return
	}
	conn.ok("unique-id listing")
	for i, msg := range conn.msgs {
		if !conn.deleted[i+1] {
			conn.tp.PrintfLine("%d %s", i+1, msg.UID)
		}
	}
	conn.tp.PrintfLine(".")
}

func (conn *connection) doRETR() {
	if !conn.requireTxn() {
		return
	}
	_, msg := conn.getRequestedMessage()
	if msg == nil {
		return
	}
	conn.ok(fmt.Sprintf("%d octets", msg.size()))
	conn.writeBody(msg.Body)
}

func (conn *connection) doTOP() {
	if !conn.requireTxn() {
		return
	}
	args := conn.args()
	if len(args) != 2 {
		conn.err(errSyntax)
		return
	}
	_, msg := conn.getRequestedMessage()
	if msg == nil {
		return
	}
	count, err := strconv.Atoi(args[1])
	if err != nil || count < 0 {
		conn.err(errSyntax)
		return
	}

	header, body, _ := strings.Cut(msg.Body, "\n\n")
	out := header + "\n\n"
	lines := strings.SplitAfter(body, "\n")
	if count < len(lines) {
		lines = lines[:count]
	}
	out += strings.Join(lines, "")
	conn.ok("top of message follows")
	conn.writeBody(out)
}

// writeBody sends a dot-stuffed body and its terminator.
func (conn *connection) writeBody(body string) {
	if conn.s.TruncateBodies {
		io.WriteString(conn.tp.W, body[:len(body)/2])
		conn.tp.W.Flush()
		conn.nc.Close()
		return
	}
	w := conn.tp.DotWriter()
	io.WriteString(w, body)
	w.Close()
}

func (conn *connection) doDELE() {
	if !conn.requireTxn() {
		return
	}
	n, msg := conn.getRequestedMessage()
	if msg == nil {
		return
	}
	conn.deleted[n] = true
	conn.ok(fmt.Sprintf("message %d deleted", n))
}

func (conn *connection) doRSET() {
	if !conn.requireTxn() {
		return
	}
	conn.deleted = make(map[int]bool)
	conn.ok("")
}

func (conn *connection) getRequestedMessage() (int, *Message) {
	args := conn.args()
	if len(args) < 1 {
		conn.err(errSyntax)
		return 0, nil
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		conn.err(errSyntax)
		return 0, nil
	}
	if idx < 1 || idx > len(conn.msgs) {
		conn.err("no such message")
		return 0, nil
	}
	if conn.deleted[idx] {
		conn.err(errDeletedMsg)
		return 0, nil
	}
	return idx, conn.msgs[idx-1]
}
