/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package coordinator elects a single writer among cooperating clients that
open the same database name concurrently, and proxies every engine
operation from a follower to whichever client currently holds the
leader role.

A named exclusive lock, held in an in-process registry keyed by
database name, elects the leader: the first client to join a name opens
the real engine handle; every later joiner becomes a follower and
routes its operations through proxyRequest instead. A leader broadcasts
a heartbeat every heartbeatInterval; a follower that has not observed
one within followerTimeout assumes the leader is dead and contends to
promote itself, opening a fresh engine handle over the same directory.
*/
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/leiko57/skiodb/internal/engine"
	engerrors "github.com/leiko57/skiodb/internal/errors"
	"github.com/leiko57/skiodb/internal/logging"
)

const (
	// heartbeatInterval is how often a leader refreshes its liveness.
	heartbeatInterval = 1 * time.Second
	// followerTimeout is how long a follower waits without a heartbeat
	// before assuming the leader is dead.
	followerTimeout = 3 * time.Second
	// proxyTimeout bounds how long a follower's proxied request waits
	// for the leader's reply.
	proxyTimeout = 10 * time.Second
)

// Method names the engine operation an envelope carries, matching the
// facade's request envelope method set.
type Method string

const (
	MethodPut               Method = "put"
	MethodPutNoSync         Method = "putNoSync"
	MethodGet               Method = "get"
	MethodDelete            Method = "delete"
	MethodPutWithTTL        Method = "putWithTTL"
	MethodPutBatch          Method = "putBatch"
	MethodScanRange         Method = "scanRange"
	MethodCommitTransaction Method = "commitTransaction"
	MethodFlush             Method = "flush"
	MethodVerifyIntegrity   Method = "verifyIntegrity"
)

// Args bundles the arguments of any of the Method values above; only the
// fields relevant to the method in question are read.
type Args struct {
	Key   []byte
	Value []byte
	TTL   time.Duration
	Lo    []byte
	Hi    []byte
	Limit int
	Ops   []engine.Op
	Batch []byte
}

// Result bundles the return value of any of the Method values above.
type Result struct {
	Value    []byte
	Existed  bool
	Pairs    []engine.Pair
	BadPages []uint32
	N        int
}

// envelope is the RPC-shaped request an engine operation travels in:
// { req_id, client_id, method, args } out, { req_id, client_id, ok|err }
// back on respCh.
type envelope struct {
	reqID    uint64
	clientID string
	method   Method
	args     Args
	respCh   chan response
}

type response struct {
	reqID      uint64
	clientID   string
	ok         bool
	result     Result
	errKind    engerrors.EngineKind
	errMessage string
}

// hub is the per-database-name shared state: the named lock (expressed
// as "whoever holds hub.leader"), the heartbeat clock followers poll,
// and the singleflight group that collapses concurrent promotion
// attempts into one election.
type hub struct {
	name string
	dir  string
	opts engine.Options

	mu            sync.Mutex
	leader        *Client
	lastHeartbeat time.Time

	reqSeq   uint64
	election singleflight.Group
	log      *logging.Logger
}

var (
	registryMu sync.Mutex
	registry   = map[string]*hub{}
)

func getOrCreateHub(name, dir string, opts engine.Options) *hub {
	registryMu.Lock()
	defer registryMu.Unlock()
	if h, ok := registry[name]; ok {
		return h
	}
	h := &hub{
		name: name,
		dir:  dir,
		opts: opts,
		log:  logging.NewLogger("engine.coordinator"),
	}
	registry[name] = h
	return h
}

// forgetHub removes a name's hub once its last client has gone, so a
// later Join for the same name starts a fresh election instead of
// inheriting a defunct one.
func forgetHub(h *hub) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if registry[h.name] == h {
		delete(registry, h.name)
	}
}

// Client is one cooperating client's handle onto a coordinated database.
// Exactly one Client per hub is leader at any instant; IsLeader reports
// which.
type Client struct {
	id  string
	hub *hub

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu       sync.Mutex
	isLeader bool
	eng      *engine.Engine
	inbox    chan *envelope
	closed   bool
}

var clientSeq uint64

func nextClientID() string {
	return fmt.Sprintf("client-%d", atomic.AddUint64(&clientSeq, 1))
}

// Join attaches a new cooperating client to the named database, electing
// it leader if no other client currently holds that name, or making it a
// follower that proxies operations to whoever does.
func Join(name, dir string, opts engine.Options) (*Client, error) {
	h := getOrCreateHub(name, dir, opts)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:     nextClientID(),
		hub:    h,
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	if h.leader == nil {
		h.mu.Unlock()
		if err := c.becomeLeader(); err != nil {
			cancel()
			return nil, err
		}
		return c, nil
	}
	h.mu.Unlock()

	group, gctx := errgroup.WithContext(ctx)
	c.mu.Lock()
	c.group = group
	c.ctx = gctx
	c.mu.Unlock()
	group.Go(func() error {
		c.watchLeader(gctx)
		return nil
	})
	return c, nil
}

// becomeLeader opens the engine handle and starts this client's
// heartbeat sender and request-processing loop. Called either from Join
// (first client for a name) or from a promotion after the previous
// leader's heartbeat goes stale.
func (c *Client) becomeLeader() error {
	eng, err := engine.Open(c.hub.dir, c.hub.opts)
	if err != nil {
		return err
	}

	c.mu.Lock()
	parent := c.ctx
	c.isLeader = true
	c.eng = eng
	c.inbox = make(chan *envelope, 256)
	c.mu.Unlock()

	c.hub.mu.Lock()
	c.hub.leader = c
	c.hub.lastHeartbeat = time.Now()
	c.hub.mu.Unlock()

	group, gctx := errgroup.WithContext(parent)
	c.mu.Lock()
	c.group = group
	c.ctx = gctx
	c.mu.Unlock()
	group.Go(func() error {
		c.runLeaderLoop(gctx)
		return nil
	})
	group.Go(func() error {
		c.sendHeartbeats(gctx)
		return nil
	})
	c.hub.log.Info("leader elected", "client_id", c.id, "database", c.hub.name)
	return nil
}

func (c *Client) runLeaderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.inbox:
			c.serve(req)
		}
	}
}

func (c *Client) serve(req *envelope) {
	result, err := c.apply(req.method, req.args)
	resp := response{reqID: req.reqID, clientID: req.clientID, ok: err == nil, result: result}
	if err != nil {
		resp.errKind = engerrors.KindOf(err)
		resp.errMessage = err.Error()
	}
	req.respCh <- resp
}

func (c *Client) sendHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.hub.mu.Lock()
			if c.hub.leader == c {
				c.hub.lastHeartbeat = time.Now()
			}
			c.hub.mu.Unlock()
		}
	}
}

// watchLeader polls the hub's heartbeat clock; once it has gone stale by
// more than followerTimeout, it contends for promotion.
func (c *Client) watchLeader(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.hub.mu.Lock()
			stale := time.Since(c.hub.lastHeartbeat) > followerTimeout
			c.hub.mu.Unlock()
			if stale {
				c.tryPromote()
			}
		}
	}
}

// tryPromote contends, via the hub's singleflight group, to become the
// new leader. Concurrent stale-detections from every follower collapse
// into one election; only the winner opens a fresh engine handle.
func (c *Client) tryPromote() {
	_, _, _ = c.hub.election.Do("promote", func() (interface{}, error) {
		c.hub.mu.Lock()
		stillStale := time.Since(c.hub.lastHeartbeat) > followerTimeout
		alreadyLeader := c.hub.leader == c
		c.hub.mu.Unlock()
		if !stillStale || alreadyLeader {
			return nil, nil
		}
		if err := c.becomeLeader(); err != nil {
			c.hub.log.Error("promotion failed", "client_id", c.id, "error", err.Error())
			return nil, err
		}
		return nil, nil
	})
}

// proxyRequest sends an operation to the current leader's inbox and
// waits up to proxyTimeout for its reply. Any in-flight request targeted
// at a leader that dies mid-flight times out here; the caller may retry,
// by which point a promotion will usually have completed.
func (c *Client) proxyRequest(method Method, args Args) (Result, error) {
	c.hub.mu.Lock()
	leader := c.hub.leader
	reqID := atomic.AddUint64(&c.hub.reqSeq, 1)
	c.hub.mu.Unlock()

	if leader == nil {
		return Result{}, engerrors.Timeout("coordinator: no leader currently elected")
	}

	req := &envelope{
		reqID:    reqID,
		clientID: c.id,
		method:   method,
		args:     args,
		respCh:   make(chan response, 1),
	}

	select {
	case leader.inbox <- req:
	case <-time.After(proxyTimeout):
		return Result{}, engerrors.Timeout("coordinator: proxyRequest timed out enqueueing request")
	}

	select {
	case resp := <-req.respCh:
		if !resp.ok {
			return Result{}, engerrors.NewEngineError(resp.errKind, resp.errMessage)
		}
		return resp.result, nil
	case <-time.After(proxyTimeout):
		return Result{}, engerrors.Timeout("coordinator: proxyRequest timed out awaiting response")
	}
}

// Do routes method/args to the engine: directly, in FIFO order with
// every other request this client or any other has issued, if this
// client is the leader; proxied to the leader otherwise.
func (c *Client) Do(method Method, args Args) (Result, error) {
	c.mu.Lock()
	isLeader := c.isLeader
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return Result{}, engerrors.Closed("coordinator: client already closed")
	}

	if !isLeader {
		return c.proxyRequest(method, args)
	}

	req := &envelope{
		reqID:    atomic.AddUint64(&c.hub.reqSeq, 1),
		clientID: c.id,
		method:   method,
		args:     args,
		respCh:   make(chan response, 1),
	}
	c.inbox <- req
	resp := <-req.respCh
	if !resp.ok {
		return Result{}, engerrors.NewEngineError(resp.errKind, resp.errMessage)
	}
	return resp.result, nil
}

func (c *Client) apply(method Method, args Args) (Result, error) {
	eng := c.eng
	switch method {
	case MethodPut:
		return Result{}, eng.Put(args.Key, args.Value)
	case MethodPutNoSync:
		return Result{}, eng.PutNoSync(args.Key, args.Value)
	case MethodPutWithTTL:
		return Result{}, eng.PutWithTTL(args.Key, args.Value, args.TTL)
	case MethodGet:
		v, err := eng.Get(args.Key)
		return Result{Value: v}, err
	case MethodDelete:
		existed, err := eng.Delete(args.Key)
		return Result{Existed: existed}, err
	case MethodPutBatch:
		n, err := eng.PutBatch(args.Batch)
		return Result{N: n}, err
	case MethodCommitTransaction:
		return Result{}, eng.CommitTransaction(args.Ops)
	case MethodScanRange:
		pairs, err := eng.ScanRange(args.Lo, args.Hi, args.Limit)
		return Result{Pairs: pairs}, err
	case MethodFlush:
		return Result{}, eng.Flush()
	case MethodVerifyIntegrity:
		bad, err := eng.VerifyIntegrity()
		return Result{BadPages: bad}, err
	default:
		return Result{}, engerrors.BadInput("coordinator: unknown method")
	}
}

// IsLeader reports whether this client currently holds the named lock.
func (c *Client) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// Put, Get, Delete, PutWithTTL, PutBatch, CommitTransaction, ScanRange,
// Flush, and VerifyIntegrity mirror *engine.Engine's API, each routed
// through Do so a follower transparently proxies to the leader.

func (c *Client) Put(key, value []byte) error {
	_, err := c.Do(MethodPut, Args{Key: key, Value: value})
	return err
}

func (c *Client) PutNoSync(key, value []byte) error {
	_, err := c.Do(MethodPutNoSync, Args{Key: key, Value: value})
	return err
}

func (c *Client) PutWithTTL(key, value []byte, ttl time.Duration) error {
	_, err := c.Do(MethodPutWithTTL, Args{Key: key, Value: value, TTL: ttl})
	return err
}

func (c *Client) Get(key []byte) ([]byte, error) {
	res, err := c.Do(MethodGet, Args{Key: key})
	return res.Value, err
}

func (c *Client) Delete(key []byte) (bool, error) {
	res, err := c.Do(MethodDelete, Args{Key: key})
	return res.Existed, err
}

func (c *Client) PutBatch(encoded []byte) (int, error) {
	res, err := c.Do(MethodPutBatch, Args{Batch: encoded})
	return res.N, err
}

func (c *Client) CommitTransaction(ops []engine.Op) error {
	_, err := c.Do(MethodCommitTransaction, Args{Ops: ops})
	return err
}

func (c *Client) ScanRange(lo, hi []byte, limit int) ([]engine.Pair, error) {
	res, err := c.Do(MethodScanRange, Args{Lo: lo, Hi: hi, Limit: limit})
	return res.Pairs, err
}

func (c *Client) Flush() error {
	_, err := c.Do(MethodFlush, Args{})
	return err
}

func (c *Client) VerifyIntegrity() ([]uint32, error) {
	res, err := c.Do(MethodVerifyIntegrity, Args{})
	return res.BadPages, err
}

// Close detaches this client. If it is the leader, its engine handle is
// flushed and closed, its lock on the name is released immediately (so
// a follower's watchLeader need not wait out followerTimeout), and the
// hub is forgotten once no client remains.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasLeader := c.isLeader
	eng := c.eng
	group := c.group
	c.mu.Unlock()

	c.cancel()
	if group != nil {
		group.Wait()
	}

	var closeErr error
	if wasLeader {
		if eng != nil {
			closeErr = eng.Close()
		}
		c.hub.mu.Lock()
		if c.hub.leader == c {
			c.hub.leader = nil
			c.hub.lastHeartbeat = time.Time{}
		}
		c.hub.mu.Unlock()
		forgetHub(c.hub)
	}
	return closeErr
}
