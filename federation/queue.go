// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/homeserver/db"
	"github.com/bureau-foundation/homeserver/lib/ref"
)

// DestinationKind discriminates where a queued event is headed.
type DestinationKind byte

const (
	// KindServer delivers over federation to a remote homeserver.
	KindServer DestinationKind = iota

	// KindAppservice delivers to a registered application service.
	KindAppservice

	// KindPush delivers to a push gateway for one push key.
	KindPush
)

// Destination is one delivery target.
type Destination struct {
	Kind DestinationKind

	// Server is set for KindServer.
	Server ref.ServerName

	// AppserviceID is set for KindAppservice.
	AppserviceID string

	// User and Pushkey are set for KindPush.
	User    ref.UserID
	Pushkey string
}

// String renders the destination for logging and lane keying.
func (d Destination) String() string {
	switch d.Kind {
	case KindServer:
		return "server/" + d.Server.String()
	case KindAppservice:
		return "appservice/" + d.AppserviceID
	case KindPush:
		return "push/" + d.User.String() + "/" + d.Pushkey
	}
	return "unknown"
}

// encode prefixes persisted queue keys. Destination fields never
// contain a zero byte, so the trailing pduID (which may) parses
// unambiguously from the front.
func (d Destination) encode() []byte {
	key := []byte{byte(d.Kind)}
	switch d.Kind {
	case KindServer:
		key = append(key, d.Server.String()...)
	case KindAppservice:
		key = append(key, d.AppserviceID...)
	case KindPush:
		key = append(key, d.User.String()...)
		key = append(key, 0x00)
		key = append(key, d.Pushkey...)
	}
	return append(key, 0x00)
}

func decodeDestination(key []byte) (Destination, []byte, error) {
	if len(key) < 2 {
		return Destination{}, nil, fmt.Errorf("federation: queue key too short")
	}
	destination := Destination{Kind: DestinationKind(key[0])}
	rest := key[1:]
	field := func() (string, error) {
		for i, b := range rest {
			if b == 0x00 {
				value := string(rest[:i])
				rest = rest[i+1:]
				return value, nil
			}
		}
		return "", fmt.Errorf("federation: queue key missing separator")
	}

	var err error
	switch destination.Kind {
	case KindServer:
		var server string
		if server, err = field(); err != nil {
			return Destination{}, nil, err
		}
		if destination.Server, err = ref.ParseServerName(server); err != nil {
			return Destination{}, nil, err
		}
	case KindAppservice:
		if destination.AppserviceID, err = field(); err != nil {
			return Destination{}, nil, err
		}
	case KindPush:
		var user string
		if user, err = field(); err != nil {
			return Destination{}, nil, err
		}
		if destination.User, err = ref.ParseUserID(user); err != nil {
			return Destination{}, nil, err
		}
		if destination.Pushkey, err = field(); err != nil {
			return Destination{}, nil, err
		}
	default:
		return Destination{}, nil, fmt.Errorf("federation: unknown destination kind %d", key[0])
	}
	return destination, rest, nil
}

// Transport performs one delivery attempt. Implementations are the
// federation/appservice/push HTTP clients; tests substitute fakes.
type Transport interface {
	SendTransaction(ctx context.Context, destination Destination, txnID string, pdus [][]byte) error
}

// PDULoader resolves a queued pduID to the currently stored event
// JSON. found is false when the event is gone (never an error for
// the queue; the entry is discarded).
type PDULoader interface {
	PDUJSONByID(ctx context.Context, pduID []byte) ([]byte, bool, error)
}

const (
	laneBuffer   = 256
	maxBatch     = 50
	sendAttempts = 3
	retryBase    = time.Second
)

// Queue is the durable in-process [Sender]: one FIFO lane per
// destination, entries persisted until delivered.
type Queue struct {
	transport Transport
	loader    PDULoader
	entries   *db.Map // destination prefix ++ pduID → empty
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	lanes map[string]chan []byte
}

// NewQueue wires the queue. Start must be called before any Send.
func NewQueue(database *db.Database, transport Transport, loader PDULoader, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Queue{
		transport: transport,
		loader:    loader,
		entries:   database.Map("servernameevent", db.CompressionNone),
		logger:    logger,
		lanes:     make(map[string]chan []byte),
	}
}

// Start begins delivery and re-enqueues entries persisted by a
// previous run.
func (q *Queue) Start(ctx context.Context) error {
	q.ctx, q.cancel = context.WithCancel(ctx)
	return q.entries.Scan(ctx, db.ScanOptions{}, func(key, value []byte) (bool, error) {
		destination, pduID, err := decodeDestination(key)
		if err != nil {
			return false, fmt.Errorf("%w: %v", db.ErrBadDatabase, err)
		}
		q.enqueue(destination, pduID)
		return true, nil
	})
}

// Stop halts delivery and waits for in-flight transactions.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	for _, lane := range q.lanes {
		close(lane)
	}
	q.lanes = make(map[string]chan []byte)
	q.mu.Unlock()
	q.wg.Wait()
}

// Len returns the number of destinations with an active lane, an
// admin-stats introspection counter.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// SendPDUServers implements [Sender].
func (q *Queue) SendPDUServers(ctx context.Context, servers []ref.ServerName, pduID []byte) error {
	for _, server := range servers {
		if err := q.send(ctx, Destination{Kind: KindServer, Server: server}, pduID); err != nil {
			return err
		}
	}
	return nil
}

// SendPDUAppservice implements [Sender].
func (q *Queue) SendPDUAppservice(ctx context.Context, id string, pduID []byte) error {
	return q.send(ctx, Destination{Kind: KindAppservice, AppserviceID: id}, pduID)
}

// SendPDUPush implements [Sender].
func (q *Queue) SendPDUPush(ctx context.Context, pduID []byte, user ref.UserID, pushkey string) error {
	if strings.ContainsRune(pushkey, 0x00) {
		return fmt.Errorf("federation: pushkey contains NUL")
	}
	return q.send(ctx, Destination{Kind: KindPush, User: user, Pushkey: pushkey}, pduID)
}

func (q *Queue) send(ctx context.Context, destination Destination, pduID []byte) error {
	if err := q.entries.Put(ctx, append(destination.encode(), pduID...), nil); err != nil {
		return err
	}
	q.enqueue(destination, pduID)
	return nil
}

// enqueue hands the pduID to the destination's lane, creating the
// lane on first use. A full lane drops the in-memory entry only; the
// persisted copy is retried on the next Start.
func (q *Queue) enqueue(destination Destination, pduID []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx == nil || q.ctx.Err() != nil {
		return
	}
	laneKey := destination.String()
	lane, exists := q.lanes[laneKey]
	if !exists {
		lane = make(chan []byte, laneBuffer)
		q.lanes[laneKey] = lane
		q.wg.Add(1)
		go q.run(destination, lane)
	}
	select {
	case lane <- pduID:
	default:
		q.logger.Warn("federation lane full, deferring to restart", "destination", laneKey)
	}
}

// run drains one destination lane. Entries are batched up to
// maxBatch per transaction, FIFO within the destination.
func (q *Queue) run(destination Destination, lane chan []byte) {
	defer q.wg.Done()
	for {
		select {
		case pduID, ok := <-lane:
			if !ok {
				return
			}
			batch := [][]byte{pduID}
			for len(batch) < maxBatch {
				select {
				case next, ok := <-lane:
					if !ok {
						break
					}
					batch = append(batch, next)
					continue
				default:
				}
				break
			}
			q.deliver(destination, batch)
		case <-q.ctx.Done():
			return
		}
	}
}

// deliver sends one transaction with retries, then drops the
// persisted entries on success. Exhausted retries leave them for the
// next Start.
func (q *Queue) deliver(destination Destination, pduIDs [][]byte) {
	pdus := make([][]byte, 0, len(pduIDs))
	live := make([][]byte, 0, len(pduIDs))
	for _, pduID := range pduIDs {
		pduJSON, found, err := q.loader.PDUJSONByID(q.ctx, pduID)
		if err != nil {
			q.logger.Error("federation load failed", "destination", destination.String(), "error", err)
			return
		}
		if !found {
			// The event vanished under us; forget the entry.
			if err := q.entries.Delete(q.ctx, append(destination.encode(), pduID...)); err != nil {
				q.logger.Error("federation dequeue failed", "destination", destination.String(), "error", err)
			}
			continue
		}
		pdus = append(pdus, pduJSON)
		live = append(live, pduID)
	}
	if len(pdus) == 0 {
		return
	}

	txnID := uuid.NewString()
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBase << (attempt - 1)):
			case <-q.ctx.Done():
				return
			}
		}
		err := q.transport.SendTransaction(q.ctx, destination, txnID, pdus)
		if err == nil {
			for _, pduID := range live {
				if err := q.entries.Delete(q.ctx, append(destination.encode(), pduID...)); err != nil {
					q.logger.Error("federation dequeue failed", "destination", destination.String(), "error", err)
				}
			}
			return
		}
		q.logger.Warn("federation send failed",
			"destination", destination.String(),
			"txn_id", txnID,
			"attempt", attempt+1,
			"error", err,
		)
	}
}
