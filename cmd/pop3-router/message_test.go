// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"strings"
	"testing"
	"time"
)

var testTime = time.Date(2025, 6, 3, 10, 4, 5, 0, time.UTC)

func TestParseMessageInfo(t *testing.T) {
	msg := "From: a@example.com\r\n" +
		"Subject: =?utf-8?q?caf=C3=A9?=\r\n" +
		"Message-Id: <abc.123@example.com>\r\n" +
		"\r\n" +
		"body\r\n"
	info := parseMessageInfo([]byte(msg))
	if want, got := "café", info.Subject; want != got {
		t.Errorf("Expected subject %q, got %q", want, got)
	}
	if want, got := "abc.123@example.com", info.MessageID; want != got {
		t.Errorf("Expected message id %q, got %q", want, got)
	}
}

func TestParseMessageInfoMalformed(t *testing.T) {
	info := parseMessageInfo([]byte("not a header line\r\n\r\n"))
	if info != (messageInfo{}) {
		t.Errorf("Expected zero info, got %+v", info)
	}
}

func TestObjectKey(t *testing.T) {
	key := objectKey("mail/inbox", testTime, []byte("hello"))
	want := "mail/inbox/2025/06/03/2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824.eml"
	if key != want {
		t.Errorf("Expected key %q, got %q", want, key)
	}
	if key := objectKey("", testTime, nil); !strings.HasPrefix(key, "2025/06/03/") {
		t.Errorf("Expected key without prefix, got %q", key)
	}
}
