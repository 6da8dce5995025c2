// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// s3Destination archives each message as an object named by the SHA-256 of
// its content, under Prefix/YYYY/MM/DD.
type s3Destination struct {
	c   ServerConfig
	log *zap.Logger
}

type s3Connection struct {
	c      ServerConfig
	log    *zap.Logger
	client *minio.Client
	now    func() time.Time
}

func (d *s3Destination) Connect(ctx context.Context) (DestinationConnection, error) {
	var creds *credentials.Credentials
	if d.c.AccessKey != "" {
		creds = credentials.NewStaticV4(d.c.AccessKey, d.c.SecretKey, "")
	} else {
		creds = credentials.NewIAM("")
	}
	client, err := minio.New(d.c.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: d.c.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, d.c.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", d.c.Bucket)
	}
	return &s3Connection{c: d.c, log: d.log, client: client, now: time.Now}, nil
}

func objectKey(prefix string, t time.Time, msg []byte) string {
	sum := sha256.Sum256(msg)
	return path.Join(prefix, t.UTC().Format("2006/01/02"), hex.EncodeToString(sum[:])+".eml")
}

func (c *s3Connection) AddMessage(ctx context.Context, msg []byte) error {
	key := objectKey(c.c.Prefix, c.now(), msg)
	opts := minio.PutObjectOptions{
		ContentType:    "message/rfc822",
		SendContentMd5: true,
	}
	if info := parseMessageInfo(msg); info.MessageID != "" {
		opts.UserMetadata = map[string]string{"Message-Id": info.MessageID}
	}

	_, err := c.client.PutObject(ctx, c.c.Bucket, key, bytes.NewReader(msg), int64(len(msg)), opts)
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	c.log.Debug("Stored message", zap.String("key", key))
	return nil
}

func (c *s3Connection) Close() error {
	return nil
}
