package gateway

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"proxytun/internal/core"
	"proxytun/internal/provider"
)

// ErrTableClosed is returned by GetOrCreate once CloseAll has begun.
var ErrTableClosed = errors.New("flow table closed")

var (
	errFlowClosed  = errors.New("flow closed")
	errPendingFull = errors.New("pending queue full")
)

// FlowState is the state of a flow's upstream connection.
type FlowState int32

const (
	FlowConnecting FlowState = iota
	FlowOpen
	FlowClosed
	FlowFailed
)

func (s FlowState) String() string {
	switch s {
	case FlowConnecting:
		return "connecting"
	case FlowOpen:
		return "open"
	case FlowClosed:
		return "closed"
	case FlowFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Flow is one relayed connection. The upstream conn is opened at most once
// and closed at most once, both by the FlowTable.
type Flow struct {
	Key     FlowKey
	Src     netip.Addr
	Created time.Time

	lastActivity atomic.Int64 // unix nanos
	state        atomic.Int32

	// pending is the upstream send queue, drained by writeLoop once the
	// conn is established. Bounded by pendingLimit bytes.
	mu                sync.Mutex // guards conn, pending, closeWritePending
	conn              net.Conn
	pending           [][]byte
	pendingBytes      int
	pendingLimit      int
	closeWritePending bool
	writeTimeout      time.Duration
	wake              chan struct{}
	closeOnce         sync.Once

	tcpMu sync.Mutex
	tcp   tcpState
	// ackCh wakes the upstream reader when the client window moves.
	ackCh    chan struct{}
	pumpOnce sync.Once
}

func newFlow(key FlowKey, src netip.Addr, pendingLimit int, writeTimeout time.Duration) *Flow {
	f := &Flow{
		Key:          key,
		Src:          src,
		Created:      time.Now(),
		pendingLimit: pendingLimit,
		writeTimeout: writeTimeout,
		ackCh:        make(chan struct{}, 1),
		wake:         make(chan struct{}, 1),
	}
	f.touch()
	return f
}

// State returns the current connection state.
func (f *Flow) State() FlowState { return FlowState(f.state.Load()) }

// LastActivity returns the time of the last relayed byte in either direction.
func (f *Flow) LastActivity() time.Time { return time.Unix(0, f.lastActivity.Load()) }

// Client returns the client's address and port.
func (f *Flow) Client() netip.AddrPort { return netip.AddrPortFrom(f.Src, f.Key.SrcPort) }

func (f *Flow) touch() { f.lastActivity.Store(time.Now().UnixNano()) }

// Conn returns the upstream conn, or nil before establishment.
func (f *Flow) Conn() net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

// Write queues a copy of payload for the upstream conn and returns without
// blocking. Queued data is written in order once the conn is established.
// errPendingFull is returned when the queue is at its limit.
func (f *Flow) Write(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	st := f.State()
	if st != FlowConnecting && st != FlowOpen {
		return errFlowClosed
	}
	if f.pendingBytes+len(payload) > f.pendingLimit {
		return errPendingFull
	}
	f.pending = append(f.pending, append([]byte(nil), payload...))
	f.pendingBytes += len(payload)
	if st == FlowOpen {
		f.touch()
		f.signal()
	}
	return nil
}

// CloseWrite half-closes the upstream conn after all queued data.
func (f *Flow) CloseWrite() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.State() {
	case FlowConnecting:
		f.closeWritePending = true
		return nil
	case FlowOpen:
		f.closeWritePending = true
		f.signal()
		return nil
	default:
		return errFlowClosed
	}
}

func (f *Flow) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// writeLoop drains the send queue to the upstream conn. It returns nil
// when the flow closes and the write error otherwise.
func (f *Flow) writeLoop() error {
	for {
		f.mu.Lock()
		for len(f.pending) == 0 && !f.closeWritePending && f.State() == FlowOpen {
			f.mu.Unlock()
			<-f.wake
			f.mu.Lock()
		}
		if f.State() != FlowOpen {
			f.mu.Unlock()
			return nil
		}
		conn := f.conn
		if len(f.pending) == 0 {
			f.closeWritePending = false
			f.mu.Unlock()
			if err := closeWrite(conn); err != nil {
				return err
			}
			continue
		}
		p := f.pending[0]
		f.pending[0] = nil
		f.pending = f.pending[1:]
		f.mu.Unlock()

		if f.writeTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(f.writeTimeout))
		}
		_, err := conn.Write(p)

		f.mu.Lock()
		f.pendingBytes -= len(p)
		f.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

func closeWrite(c net.Conn) error {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// establish installs conn. It returns false if the flow was closed while
// connecting; the caller then owns conn.
func (f *Flow) establish(conn net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.CompareAndSwap(int32(FlowConnecting), int32(FlowOpen)) {
		return false
	}
	f.conn = conn
	return true
}

// fail marks a connecting flow as failed and drops pending data.
func (f *Flow) fail() {
	f.mu.Lock()
	f.state.CompareAndSwap(int32(FlowConnecting), int32(FlowFailed))
	f.pending = nil
	f.pendingBytes = 0
	f.mu.Unlock()
}

// close closes the upstream conn once.
func (f *Flow) close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.state.Store(int32(FlowClosed))
		f.pending = nil
		c := f.conn
		f.mu.Unlock()
		if c != nil {
			c.Close()
		}
		f.signal()
		f.notifyAck()
	})
}

func (f *Flow) notifyAck() {
	select {
	case f.ackCh <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Sharded flow table: 64 shards reduce mutex contention
// ---------------------------------------------------------------------------

const numFlowShards = 64

type flowShard struct {
	mu sync.RWMutex
	m  map[FlowKey]*Flow
}

// hash is FNV-1a over the key fields. Used for shard and worker selection.
func (k FlowKey) hash() uint32 {
	a := k.DstAddr.As4()
	h := uint32(2166136261)
	for _, b := range [...]byte{
		byte(k.SrcPort >> 8), byte(k.SrcPort),
		a[0], a[1], a[2], a[3],
		byte(k.DstPort >> 8), byte(k.DstPort),
		byte(k.Proto),
	} {
		h = (h ^ uint32(b)) * 16777619
	}
	return h
}

// FlowTableConfig configures a FlowTable.
type FlowTableConfig struct {
	Dialer         provider.Dialer
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	TCPIdleTimeout time.Duration
	UDPIdleTimeout time.Duration
	PendingLimit   int
	Stats          *Stats
}

// FlowTable maps flow keys to flows and owns their upstream connections.
type FlowTable struct {
	cfg    FlowTableConfig
	shards [numFlowShards]flowShard
	closed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // connect and writer goroutines

	onEstablished func(*Flow)
	onFailed      func(*Flow, error)

	failLog rate.Sometimes
}

// NewFlowTable creates an empty flow table.
func NewFlowTable(cfg FlowTableConfig) *FlowTable {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = core.DefaultConnectTimeout
	}
	if cfg.TCPIdleTimeout <= 0 {
		cfg.TCPIdleTimeout = core.DefaultTCPIdleTimeout
	}
	if cfg.UDPIdleTimeout <= 0 {
		cfg.UDPIdleTimeout = core.DefaultUDPIdleTimeout
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = core.DefaultPendingLimit
	}
	if cfg.Stats == nil {
		cfg.Stats = &Stats{}
	}
	ft := &FlowTable{
		cfg:     cfg,
		failLog: rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
	ft.ctx, ft.cancel = context.WithCancel(context.Background())
	for i := range ft.shards {
		ft.shards[i].m = make(map[FlowKey]*Flow)
	}
	return ft
}

// SetHooks installs callbacks run from the connect goroutine. onFailed also
// runs when an established flow's upstream write fails.
// Must be called before the first GetOrCreate.
func (ft *FlowTable) SetHooks(onEstablished func(*Flow), onFailed func(*Flow, error)) {
	ft.onEstablished = onEstablished
	ft.onFailed = onFailed
}

func (ft *FlowTable) shard(k FlowKey) *flowShard {
	return &ft.shards[k.hash()&(numFlowShards-1)]
}

// GetOrCreate returns the flow for key, creating it and starting its
// upstream connect if absent. Concurrent callers for one key share a
// single flow and a single connect attempt.
func (ft *FlowTable) GetOrCreate(key FlowKey, src netip.Addr) (*Flow, error) {
	sh := ft.shard(key)
	sh.mu.Lock()
	if ft.closed.Load() {
		sh.mu.Unlock()
		return nil, ErrTableClosed
	}
	if f, ok := sh.m[key]; ok {
		sh.mu.Unlock()
		return f, nil
	}
	f := newFlow(key, src, ft.cfg.PendingLimit, ft.cfg.WriteTimeout)
	sh.m[key] = f
	ft.wg.Add(1)
	sh.mu.Unlock()

	ft.cfg.Stats.FlowsOpened.Add(1)
	go ft.connect(f)
	return f, nil
}

func (ft *FlowTable) connect(f *Flow) {
	defer ft.wg.Done()

	ctx, cancel := context.WithTimeout(ft.ctx, ft.cfg.ConnectTimeout)
	defer cancel()

	addr := f.Key.Dst().String()
	var conn net.Conn
	var err error
	switch f.Key.Proto {
	case ProtoTCP:
		conn, err = ft.cfg.Dialer.DialTCP(ctx, addr)
	default:
		conn, err = ft.cfg.Dialer.DialUDP(ctx, addr)
	}
	if err != nil {
		ferr := core.NewError(core.KindFlowConnect, f.Key.String(), err)
		f.fail()
		ft.RemoveFlow(f)
		ft.cfg.Stats.FlowsFailed.Add(1)
		ft.failLog.Do(func() { core.Log.Warnf("Flow", "%v", ferr) })
		if ft.onFailed != nil {
			ft.onFailed(f, ferr)
		}
		return
	}

	if !f.establish(conn) {
		conn.Close()
		return
	}
	ft.wg.Add(1)
	go ft.runWriter(f)

	core.Log.Debugf("Flow", "%s established", f.Key)
	if ft.onEstablished != nil {
		ft.onEstablished(f)
	}
}

// runWriter runs f's upstream writer. A failed write removes the flow.
func (ft *FlowTable) runWriter(f *Flow) {
	defer ft.wg.Done()
	err := f.writeLoop()
	if err == nil || f.State() == FlowClosed {
		return
	}
	core.Log.Debugf("Flow", "%s: upstream write: %v", f.Key, err)
	ft.RemoveFlow(f)
	if ft.onFailed != nil {
		ft.onFailed(f, err)
	}
}

// Get returns the flow for key, or nil.
func (ft *FlowTable) Get(key FlowKey) *Flow {
	sh := ft.shard(key)
	sh.mu.RLock()
	f := sh.m[key]
	sh.mu.RUnlock()
	return f
}

// Remove deletes the flow for key and closes its upstream conn. Idempotent.
func (ft *FlowTable) Remove(key FlowKey) {
	sh := ft.shard(key)
	sh.mu.Lock()
	f := sh.m[key]
	delete(sh.m, key)
	sh.mu.Unlock()
	if f != nil {
		f.close()
	}
}

// RemoveFlow deletes f only if it is still the entry for its key, then
// closes it.
func (ft *FlowTable) RemoveFlow(f *Flow) {
	sh := ft.shard(f.Key)
	sh.mu.Lock()
	if sh.m[f.Key] == f {
		delete(sh.m, f.Key)
	}
	sh.mu.Unlock()
	f.close()
}

// Len returns the number of live flows.
func (ft *FlowTable) Len() int {
	n := 0
	for i := range ft.shards {
		sh := &ft.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

// CloseAll rejects new flows, closes every flow and waits for in-flight
// connects to finish.
func (ft *FlowTable) CloseAll() {
	ft.closed.Store(true)
	ft.cancel()

	var all []*Flow
	for i := range ft.shards {
		sh := &ft.shards[i]
		sh.mu.Lock()
		for _, f := range sh.m {
			all = append(all, f)
		}
		sh.m = make(map[FlowKey]*Flow)
		sh.mu.Unlock()
	}
	for _, f := range all {
		f.close()
	}
	ft.wg.Wait()
	if len(all) > 0 {
		core.Log.Infof("Flow", "Closed %d flows", len(all))
	}
}

// Sweep removes flows idle longer than their protocol's idle timeout.
func (ft *FlowTable) Sweep(now time.Time) int {
	var stale []*Flow
	for i := range ft.shards {
		sh := &ft.shards[i]
		sh.mu.RLock()
		for _, f := range sh.m {
			timeout := ft.cfg.TCPIdleTimeout
			if f.Key.Proto == ProtoUDP {
				timeout = ft.cfg.UDPIdleTimeout
			}
			if now.Sub(f.LastActivity()) > timeout {
				stale = append(stale, f)
			}
		}
		sh.mu.RUnlock()
	}
	for _, f := range stale {
		ft.RemoveFlow(f)
	}
	return len(stale)
}

// RunSweeper evicts idle flows periodically until ctx is done.
func (ft *FlowTable) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := ft.Sweep(now); n > 0 {
				core.Log.Debugf("Flow", "Idle sweep: removed %d flows", n)
			}
		}
	}
}
