package chain

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cashflow402/gateway/internal/keys"
	"github.com/cashflow402/gateway/internal/logging"
)

const defaultTimeout = 30 * time.Second

// Config describes the Electrum endpoint.
type Config struct {
	Host    string
	Port    int
	UseTLS  bool
	Timeout time.Duration
}

// Client is a long-lived Electrum-protocol connection. Reconnection is
// lazy: the first call after a disconnect re-opens the socket and
// re-registers every live scripthash subscription.
type Client struct {
	cfg Config
	log *logging.Logger

	mu      sync.Mutex
	conn    net.Conn
	nextID  uint64
	pending map[uint64]chan rpcReply
	subs    map[string]*subEntry
	closed  bool
}

type subEntry struct {
	address   string
	callbacks map[uint64]NotifyFunc
	nextCB    uint64
}

type rpcReply struct {
	result json.RawMessage
	err    error
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// NewClient creates an Electrum client. The socket is opened on first use.
func NewClient(cfg Config, log *logging.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		pending: make(map[uint64]chan rpcReply),
		subs:    make(map[string]*subEntry),
	}
}

// Close shuts the connection down. Pending calls fail with ErrUnavailable.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// Connected reports whether the socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) ensureConnLocked() error {
	if c.closed {
		return fmt.Errorf("%w: client closed", ErrUnavailable)
	}
	if c.conn != nil {
		return nil
	}

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	var (
		conn net.Conn
		err  error
	)
	if c.cfg.UseTLS {
		// Public Electrum servers routinely run self-issued certs.
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{InsecureSkipVerify: true})
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrUnavailable, addr, err)
	}

	c.conn = conn
	go c.readLoop(conn)
	c.log.Info(context.Background(), "electrum connected", map[string]interface{}{"endpoint": addr, "tls": c.cfg.UseTLS})

	// Re-register live subscriptions on the fresh socket.
	for scripthash := range c.subs {
		if err := c.sendLocked(conn, c.nextIDLocked(), "blockchain.scripthash.subscribe", []interface{}{scripthash}); err != nil {
			c.log.Warn(context.Background(), "resubscribe failed", map[string]interface{}{"scripthash": scripthash, "error": err.Error()})
		}
	}
	return nil
}

func (c *Client) nextIDLocked() uint64 {
	c.nextID++
	return c.nextID
}

func (c *Client) sendLocked(conn net.Conn, id uint64, method string, params []interface{}) error {
	req := map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method, "params": params}
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	raw = append(raw, '\n')
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	if _, err := conn.Write(raw); err != nil {
		return fmt.Errorf("%w: write: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.log.Warn(context.Background(), "electrum: unparseable line", map[string]interface{}{"error": err.Error()})
			continue
		}
		if env.ID != nil {
			c.deliver(*env.ID, env)
			continue
		}
		if env.Method == "blockchain.scripthash.subscribe" {
			c.dispatchNotification(env.Params)
		}
	}
	c.teardown(conn)
}

func (c *Client) deliver(id uint64, env envelope) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if env.Error != nil {
		ch <- rpcReply{err: classifyRPCError(env.Error)}
		return
	}
	ch <- rpcReply{result: env.Result}
}

// dispatchNotification fans a scripthash status change out to its callback
// set. Callbacks run on their own goroutines so the receive path never
// blocks on a handler.
func (c *Client) dispatchNotification(params json.RawMessage) {
	var tuple []string
	if err := json.Unmarshal(params, &tuple); err != nil || len(tuple) != 2 {
		return
	}
	scripthash, status := tuple[0], tuple[1]

	c.mu.Lock()
	entry, ok := c.subs[scripthash]
	var addr string
	var cbs []NotifyFunc
	if ok {
		addr = entry.address
		cbs = make([]NotifyFunc, 0, len(entry.callbacks))
		for _, cb := range entry.callbacks {
			cbs = append(cbs, cb)
		}
	}
	c.mu.Unlock()

	for _, cb := range cbs {
		go cb(addr, status)
	}
}

func (c *Client) teardown(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	stale := c.pending
	c.pending = make(map[uint64]chan rpcReply)
	c.mu.Unlock()

	_ = conn.Close()
	for _, ch := range stale {
		ch <- rpcReply{err: fmt.Errorf("%w: connection lost", ErrUnavailable)}
	}
}

func classifyRPCError(e *rpcError) error {
	msg := strings.ToLower(e.Message)
	if strings.Contains(msg, "missing") || strings.Contains(msg, "not found") || strings.Contains(msg, "no such") {
		return fmt.Errorf("%w: %s", ErrNotFound, e.Message)
	}
	return fmt.Errorf("electrum error %d: %s", e.Code, e.Message)
}

// call performs one request/response round trip, retrying once on a
// transport failure so a transient disconnect is invisible to callers.
func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := c.roundTrip(ctx, method, params)
		if err == nil {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
			return nil
		}
		lastErr = err
		if !isTransient(err) || ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

func isTransient(err error) bool {
	return err != nil && strings.Contains(err.Error(), ErrUnavailable.Error())
}

func (c *Client) roundTrip(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if err := c.ensureConnLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	id := c.nextIDLocked()
	ch := make(chan rpcReply, 1)
	c.pending[id] = ch
	conn := c.conn
	if err := c.sendLocked(conn, id, method, params); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		c.teardown(conn)
		return nil, err
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, method, ctx.Err())
	case reply := <-ch:
		if reply.err != nil {
			return nil, reply.err
		}
		return reply.result, nil
	}
}

// GetRawTx fetches a transaction in verbose form.
func (c *Client) GetRawTx(ctx context.Context, txid string) (*VerboseTx, error) {
	var tx VerboseTx
	if err := c.call(ctx, "blockchain.transaction.get", []interface{}{txid, true}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

type listUnspentItem struct {
	TxHash    string     `json:"tx_hash"`
	TxPos     uint32     `json:"tx_pos"`
	Value     int64      `json:"value"`
	Height    int64      `json:"height"`
	TokenData *TokenData `json:"token_data,omitempty"`
}

// GetUtxos lists unspent outputs at an address, token payloads included.
func (c *Client) GetUtxos(ctx context.Context, address string) ([]UTXO, error) {
	scripthash, err := keys.AddressToScripthash(address)
	if err != nil {
		return nil, err
	}
	var items []listUnspentItem
	if err := c.call(ctx, "blockchain.scripthash.listunspent", []interface{}{scripthash}, &items); err != nil {
		return nil, err
	}
	utxos := make([]UTXO, 0, len(items))
	for _, it := range items {
		utxos = append(utxos, UTXO{
			TxID:   it.TxHash,
			Vout:   it.TxPos,
			Sats:   it.Value,
			Height: it.Height,
			Token:  it.TokenData,
		})
	}
	return utxos, nil
}

// GetBlockHeight returns the chain tip height.
func (c *Client) GetBlockHeight(ctx context.Context) (int64, error) {
	var tip struct {
		Height int64 `json:"height"`
	}
	if err := c.call(ctx, "blockchain.headers.subscribe", []interface{}{}, &tip); err != nil {
		return 0, err
	}
	return tip.Height, nil
}

// Broadcast submits a raw transaction.
func (c *Client) Broadcast(ctx context.Context, rawHex string) (string, error) {
	var txid string
	if err := c.call(ctx, "blockchain.transaction.broadcast", []interface{}{rawHex}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

// SubscribeAddress registers a callback for an address's scripthash. The
// first subscriber triggers the remote subscribe; the unsubscribe func
// returned drops the remote subscription when the last callback leaves.
func (c *Client) SubscribeAddress(ctx context.Context, address string, cb NotifyFunc) (func(), error) {
	scripthash, err := keys.AddressToScripthash(address)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	entry, exists := c.subs[scripthash]
	if !exists {
		entry = &subEntry{address: address, callbacks: make(map[uint64]NotifyFunc)}
		c.subs[scripthash] = entry
	}
	entry.nextCB++
	cbID := entry.nextCB
	entry.callbacks[cbID] = cb
	c.mu.Unlock()

	if !exists {
		if err := c.call(ctx, "blockchain.scripthash.subscribe", []interface{}{scripthash}, nil); err != nil {
			c.mu.Lock()
			delete(entry.callbacks, cbID)
			if len(entry.callbacks) == 0 {
				delete(c.subs, scripthash)
			}
			c.mu.Unlock()
			return nil, err
		}
	}

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			c.mu.Lock()
			entry, ok := c.subs[scripthash]
			last := false
			if ok {
				delete(entry.callbacks, cbID)
				if len(entry.callbacks) == 0 {
					delete(c.subs, scripthash)
					last = true
				}
			}
			c.mu.Unlock()
			if last {
				unsubCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
				defer cancel()
				if err := c.call(unsubCtx, "blockchain.scripthash.unsubscribe", []interface{}{scripthash}, nil); err != nil {
					c.log.Debug(unsubCtx, "remote unsubscribe failed", map[string]interface{}{"scripthash": scripthash, "error": err.Error()})
				}
			}
		})
	}
	return unsub, nil
}
