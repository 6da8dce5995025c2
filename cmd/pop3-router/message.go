// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"bufio"
	"bytes"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

type messageInfo struct {
	Subject   string
	MessageID string
}

// parseMessageInfo extracts the header fields used for logging and archive
// metadata. A message with an unparseable header yields a zero value.
func parseMessageInfo(msg []byte) messageInfo {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(msg)))
	if err != nil {
		return messageInfo{}
	}
	mh := mail.Header{Header: message.Header{Header: h}}
	var info messageInfo
	info.Subject, _ = mh.Subject()
	info.MessageID, _ = mh.MessageID()
	return info
}
