// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/homeserver/appservice"
	"github.com/bureau-foundation/homeserver/lib/canonicaljson"
	"github.com/bureau-foundation/homeserver/lib/clock"
	"github.com/bureau-foundation/homeserver/lib/ref"
	"github.com/bureau-foundation/homeserver/signing"
)

// federationPort is the default server-to-server port when the server
// name carries none.
const federationPort = "8448"

// maxResponseBytes bounds how much of a remote response is read.
const maxResponseBytes = 1 << 20

// HTTPConfig configures the outbound HTTP transport.
type HTTPConfig struct {
	// Key signs outgoing federation requests (the X-Matrix
	// authorization scheme). Required.
	Key *signing.Key

	// Registry resolves appservice destinations to their push URLs
	// and tokens. Required when appservices are registered.
	Registry *appservice.Registry

	// PushGatewayURL is the push gateway notified for KindPush
	// deliveries. Empty drops push deliveries with a log line.
	PushGatewayURL string

	// Client is the underlying HTTP client. Nil selects a client
	// with a 30 second timeout.
	Client *http.Client

	// Clock stamps transaction timestamps. Nil means the real clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// HTTP is the production [Transport] and [Client]: server-to-server
// transactions, appservice pushes, push gateway notifications, and
// the backfill/key fetches.
type HTTP struct {
	key            *signing.Key
	registry       *appservice.Registry
	pushGatewayURL string
	client         *http.Client
	clock          clock.Clock
	logger         *slog.Logger

	// scheme is overridden in tests to talk to plaintext listeners.
	scheme string
}

// NewHTTP wires the transport.
func NewHTTP(config HTTPConfig) *HTTP {
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HTTP{
		key:            config.Key,
		registry:       config.Registry,
		pushGatewayURL: config.PushGatewayURL,
		client:         client,
		clock:          clk,
		logger:         logger,
		scheme:         "https",
	}
}

var (
	_ Transport = (*HTTP)(nil)
	_ Client    = (*HTTP)(nil)
)

// SendTransaction implements [Transport].
func (h *HTTP) SendTransaction(ctx context.Context, destination Destination, txnID string, pdus [][]byte) error {
	switch destination.Kind {
	case KindServer:
		return h.sendFederation(ctx, destination.Server, txnID, pdus)
	case KindAppservice:
		return h.sendAppservice(ctx, destination.AppserviceID, txnID, pdus)
	case KindPush:
		return h.sendPush(ctx, destination, pdus)
	}
	return fmt.Errorf("federation: unknown destination kind %d", destination.Kind)
}

func (h *HTTP) baseURL(server ref.ServerName) string {
	name := server.String()
	if strings.Contains(name, ":") {
		return h.scheme + "://" + name
	}
	return h.scheme + "://" + name + ":" + federationPort
}

// wirePDUs converts stored event JSON to the federation wire form
// (no top-level event_id).
func wirePDUs(pdus [][]byte) ([]json.RawMessage, error) {
	wire := make([]json.RawMessage, 0, len(pdus))
	for _, stored := range pdus {
		object, err := canonicaljson.FromJSON(stored)
		if err != nil {
			return nil, fmt.Errorf("federation: stored event: %w", err)
		}
		delete(object, "event_id")
		raw, err := canonicaljson.Marshal(object)
		if err != nil {
			return nil, err
		}
		wire = append(wire, raw)
	}
	return wire, nil
}

func (h *HTTP) sendFederation(ctx context.Context, server ref.ServerName, txnID string, pdus [][]byte) error {
	wire, err := wirePDUs(pdus)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{
		"origin":           h.key.ServerName().String(),
		"origin_server_ts": h.clock.Now().UnixMilli(),
		"pdus":             wire,
	})
	if err != nil {
		return err
	}
	uri := "/_matrix/federation/v1/send/" + url.PathEscape(txnID)
	return h.doSigned(ctx, http.MethodPut, server, uri, body, nil)
}

func (h *HTTP) sendAppservice(ctx context.Context, id, txnID string, pdus [][]byte) error {
	service := h.registry.Get(id)
	if service == nil || service.URL == "" {
		h.logger.Warn("appservice delivery dropped", "appservice", id)
		return nil
	}
	events := make([]json.RawMessage, len(pdus))
	for i, stored := range pdus {
		events[i] = stored
	}
	body, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return err
	}
	uri := service.URL + "/_matrix/app/v1/transactions/" + url.PathEscape(txnID)
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, uri, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+service.HSToken)
	return h.do(request)
}

func (h *HTTP) sendPush(ctx context.Context, destination Destination, pdus [][]byte) error {
	if h.pushGatewayURL == "" {
		h.logger.Warn("push delivery dropped: no gateway configured",
			"user", destination.User.String(),
		)
		return nil
	}
	for _, stored := range pdus {
		var event struct {
			EventID string          `json:"event_id"`
			RoomID  string          `json:"room_id"`
			Type    string          `json:"type"`
			Sender  string          `json:"sender"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(stored, &event); err != nil {
			return fmt.Errorf("federation: stored event: %w", err)
		}
		body, err := json.Marshal(map[string]any{
			"notification": map[string]any{
				"event_id": event.EventID,
				"room_id":  event.RoomID,
				"type":     event.Type,
				"sender":   event.Sender,
				"content":  event.Content,
				"devices": []map[string]any{
					{"pushkey": destination.Pushkey},
				},
			},
		})
		if err != nil {
			return err
		}
		uri := h.pushGatewayURL + "/_matrix/push/v1/notify"
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
		if err != nil {
			return err
		}
		request.Header.Set("Content-Type", "application/json")
		if err := h.do(request); err != nil {
			return err
		}
	}
	return nil
}

// do executes an unsigned request (appservice and push-gateway
// deliveries authenticate with their own tokens) and checks for a
// 2xx response. The body is drained so the connection can be reused.
func (h *HTTP) do(request *http.Request) error {
	response, err := h.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if _, err := io.Copy(io.Discard, io.LimitReader(response.Body, maxResponseBytes)); err != nil {
		return err
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("federation: %s %s: %s", request.Method, request.URL, response.Status)
	}
	return nil
}

// Backfill implements [Client].
func (h *HTTP) Backfill(ctx context.Context, server ref.ServerName, room ref.RoomID, knownIDs []ref.EventID, limit int) ([]json.RawMessage, error) {
	query := url.Values{"limit": []string{strconv.Itoa(limit)}}
	for _, id := range knownIDs {
		query.Add("v", id.String())
	}
	uri := "/_matrix/federation/v1/backfill/" + url.PathEscape(room.String()) + "?" + query.Encode()

	var response struct {
		PDUs []json.RawMessage `json:"pdus"`
	}
	if err := h.doSigned(ctx, http.MethodGet, server, uri, nil, &response); err != nil {
		return nil, err
	}
	return response.PDUs, nil
}

// FetchSigningKeys implements [Client]. The key document is public
// and served unsigned-request.
func (h *HTTP) FetchSigningKeys(ctx context.Context, server ref.ServerName, keyLabels []string) (map[string]ed25519.PublicKey, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL(server)+"/_matrix/key/v2/server", nil)
	if err != nil {
		return nil, err
	}
	response, err := h.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	data, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("federation: %s key query: %s", server, response.Status)
	}

	var document struct {
		VerifyKeys map[string]struct {
			Key string `json:"key"`
		} `json:"verify_keys"`
	}
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("federation: %s key document: %w", server, err)
	}

	keys := make(map[string]ed25519.PublicKey)
	for _, label := range keyLabels {
		entry, found := document.VerifyKeys[label]
		if !found {
			continue
		}
		decoded, err := base64.RawStdEncoding.DecodeString(entry.Key)
		if err != nil || len(decoded) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("federation: %s key %s is malformed", server, label)
		}
		keys[label] = ed25519.PublicKey(decoded)
	}
	return keys, nil
}

// doSigned sends an X-Matrix signed request to a remote homeserver
// and decodes the JSON response into out when non-nil.
func (h *HTTP) doSigned(ctx context.Context, method string, server ref.ServerName, uri string, body []byte, out any) error {
	authorization, err := h.signRequest(method, uri, server, body)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, h.baseURL(server)+uri, reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", authorization)

	response, err := h.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	data, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("federation: %s %s: %s", server, uri, response.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// signRequest produces the X-Matrix authorization header: the
// signature covers method, uri, origin, destination, and the JSON
// request content.
func (h *HTTP) signRequest(method, uri string, destination ref.ServerName, body []byte) (string, error) {
	object := map[string]any{
		"method":      method,
		"uri":         uri,
		"origin":      h.key.ServerName().String(),
		"destination": destination.String(),
	}
	if body != nil {
		var content any
		if err := json.Unmarshal(body, &content); err != nil {
			return "", fmt.Errorf("federation: request body: %w", err)
		}
		object["content"] = content
	}
	signature, err := h.key.SignJSON(object)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("X-Matrix origin=%q,destination=%q,key=%q,sig=%q",
		h.key.ServerName(), destination, h.key.Label(), signature), nil
}
