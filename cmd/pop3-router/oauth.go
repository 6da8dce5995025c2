// pop3client
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

type GetTokenForUserResult struct {
	Token *oauth2.Token
	Error error
}

type OAuthServer interface {
	// GetTokenForUser returns the stored token for userid, or logs an
	// authorization URL and waits for the user to complete the flow.
	GetTokenForUser(ctx context.Context, userid string) <-chan GetTokenForUserResult
	// MakeClient returns an HTTP client that refreshes token as needed and
	// writes refreshed tokens back to the store.
	MakeClient(ctx context.Context, userid string, token *oauth2.Token) *http.Client
}

type oauthServer struct {
	log       *zap.Logger
	sc        OAuthServerConfig
	o2c       *oauth2.Config
	mu        sync.Mutex
	tokenReqs map[string]chan<- string
}

const tokenStoreVersion = 1

type (
	tokenMap map[string]*oauth2.Token

	tokenStore struct {
		Version int
		Tokens  tokenMap
	}
)

func readTokenStore(path string) (*tokenStore, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &tokenStore{Version: tokenStoreVersion, Tokens: make(tokenMap)}, nil
		}
		return nil, err
	}
	defer f.Close()
	var ts *tokenStore
	if err := json.NewDecoder(f).Decode(&ts); err != nil {
		return nil, err
	}
	if ts.Version != tokenStoreVersion {
		return nil, fmt.Errorf("Invalid tokenStore version, got %d, expected %d", ts.Version, tokenStoreVersion)
	}
	if ts.Tokens == nil {
		ts.Tokens = make(tokenMap)
	}
	return ts, nil
}

// Save replaces the file at path so a crash never leaves a partial store.
func (ts *tokenStore) Save(path string) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tokens-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if err := json.NewEncoder(f).Encode(ts); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

func RunOAuthServer(ctx context.Context, sc OAuthServerConfig, o2c *oauth2.Config, log *zap.Logger) OAuthServer {
	o2c.RedirectURL = sc.RedirectURL
	s := &oauthServer{
		sc:        sc,
		o2c:       o2c,
		log:       log,
		tokenReqs: make(map[string]chan<- string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRequest)
	srv := &http.Server{
		Handler: mux,
		Addr:    sc.ListenAddr,
	}
	go func() {
		log.Info("Starting OAuth server", zap.String("addr", srv.Addr))
		err := srv.ListenAndServe()
		if err == http.ErrServerClosed {
			log.Info("Stopping OAuth server")
		} else {
			log.Error("ListenAndServe", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return s
}

func (s *oauthServer) GetTokenForUser(ctx context.Context, userid string) <-chan GetTokenForUserResult {
	ch := make(chan GetTokenForUserResult, 1)

	go func() {
		log := s.log.With(zap.String("userid", userid))

		s.mu.Lock()
		defer s.mu.Unlock()

		ts, err := readTokenStore(s.sc.TokenStore)
		if err != nil {
			ch <- GetTokenForUserResult{Error: err}
			return
		}
		token, ok := ts.Tokens[userid]
		if ok {
			ch <- GetTokenForUserResult{Token: token}
			return
		}

		// No token is stored, so put in a request.
		nonce := fmt.Sprintf("rd%d", rand.Int64())
		codeCh := make(chan string, 1)
		s.tokenReqs[nonce] = codeCh

		// `ApprovalForce` is needed in combination with `AccessTypeOffline` in order
		// to get a refresh token.
		url := s.o2c.AuthCodeURL(nonce, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
		log.Info("Requesting authorization", zap.String("nonce", nonce), zap.String("url", url))

		// Drop the lock until the code is received.
		s.mu.Unlock()
		var code string
		select {
		case code = <-codeCh:
		case <-ctx.Done():
			s.mu.Lock()
			delete(s.tokenReqs, nonce)
			ch <- GetTokenForUserResult{Error: ctx.Err()}
			return
		}
		log.Info("Received code, exchanging for token")
		token, err = s.o2c.Exchange(ctx, code)
		s.mu.Lock()

		if err != nil {
			ch <- GetTokenForUserResult{Error: err}
			return
		}
		if err := s.storeToken(userid, token); err != nil {
			ch <- GetTokenForUserResult{Error: err}
			return
		}
		ch <- GetTokenForUserResult{Token: token}
	}()

	return ch
}

// storeToken must be called with mu held.
func (s *oauthServer) storeToken(userid string, token *oauth2.Token) error {
	ts, err := readTokenStore(s.sc.TokenStore)
	if err != nil {
		return err
	}
	ts.Tokens[userid] = token
	return ts.Save(s.sc.TokenStore)
}

func (s *oauthServer) handleRequest(rw http.ResponseWriter, req *http.Request) {
	id := req.FormValue("state")
	s.mu.Lock()
	ch, ok := s.tokenReqs[id]
	if ok {
		delete(s.tokenReqs, id)
	}
	s.mu.Unlock()

	log := s.log.With(zap.String("id", id))

	if !ok {
		log.Error("No channel for token")
		http.Error(rw, "Invalid State", http.StatusBadRequest)
		return
	}
	if code := req.FormValue("code"); code != "" {
		fmt.Fprintln(rw, "<h1>Authorized!</h1>")
		log.Info("Received authorization code")
		ch <- code
		return
	}
	log.Error("Invalid request - missing code")
	http.Error(rw, "Invalid Code", http.StatusBadRequest)
}

func (s *oauthServer) MakeClient(ctx context.Context, userid string, token *oauth2.Token) *http.Client {
	src := &storingTokenSource{
		s:      s,
		userid: userid,
		src:    s.o2c.TokenSource(ctx, token),
		last:   token.AccessToken,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(token, src))
}

// storingTokenSource writes a token back to the store whenever the
// underlying source refreshes it.
type storingTokenSource struct {
	s      *oauthServer
	userid string
	src    oauth2.TokenSource

	mu   sync.Mutex
	last string
}

func (ts *storingTokenSource) Token() (*oauth2.Token, error) {
	token, err := ts.src.Token()
	if err != nil {
		return nil, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if token.AccessToken == ts.last {
		return token, nil
	}
	ts.last = token.AccessToken

	ts.s.mu.Lock()
	err = ts.s.storeToken(ts.userid, token)
	ts.s.mu.Unlock()
	if err != nil {
		ts.s.log.Error("Failed to store refreshed token", zap.String("userid", ts.userid), zap.Error(err))
	} else {
		ts.s.log.Info("Stored refreshed token", zap.String("userid", ts.userid))
	}
	return token, nil
}
