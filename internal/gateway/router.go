package gateway

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"proxytun/internal/core"
	"proxytun/internal/platform"
)

var errRouterStopped = errors.New("router stopped")

// RouterState is the lifecycle state of a TUNRouter.
type RouterState int32

const (
	RouterIdle RouterState = iota
	RouterRunning
	RouterDraining
	RouterStopped
)

func (s RouterState) String() string {
	switch s {
	case RouterIdle:
		return "idle"
	case RouterRunning:
		return "running"
	case RouterDraining:
		return "draining"
	case RouterStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RouterConfig configures a TUNRouter.
type RouterConfig struct {
	MTU       int
	Workers   int
	QueueSize int
}

type relayFrame struct {
	buf *[]byte
	pkt ParsedPacket
}

// TUNRouter reads frames from the adapter and relays them:
//   - DNS queries to the DNSInterceptor
//   - TCP segments to the in-process TCP responder
//   - UDP datagrams to upstream flows
//
// A single goroutine reads the adapter. Frames are handed to a fixed worker
// pool keyed by flow so each flow is processed in order.
type TUNRouter struct {
	adapter platform.Adapter
	flows   *FlowTable
	dns     *DNSInterceptor
	filter  *DestinationFilter
	stats   *Stats

	mss     int
	bufSize int
	queues  []chan relayFrame
	pool    sync.Pool
	ipID    atomic.Uint32

	state   atomic.Int32
	started atomic.Bool

	writeMu sync.Mutex // serializes adapter writes
	stopped bool       // guarded by writeMu

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup // flow pumps
	stopOnce sync.Once

	dropLog  rate.Sometimes
	writeLog rate.Sometimes
	dnsLog   rate.Sometimes
}

// NewTUNRouter wires a router. The flow table's hooks are installed here.
func NewTUNRouter(
	adapter platform.Adapter,
	flows *FlowTable,
	dns *DNSInterceptor,
	filter *DestinationFilter,
	stats *Stats,
	cfg RouterConfig,
) *TUNRouter {
	if cfg.MTU <= 0 {
		cfg.MTU = core.DefaultMTU
	}
	if cfg.Workers <= 0 {
		cfg.Workers = core.DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = core.DefaultQueueSize
	}
	if stats == nil {
		stats = &Stats{}
	}

	r := &TUNRouter{
		adapter:  adapter,
		flows:    flows,
		dns:      dns,
		filter:   filter,
		stats:    stats,
		mss:      cfg.MTU - minIPv4Hdr - minTCPHdr,
		bufSize:  max(relayBufSize, cfg.MTU),
		queues:   make([]chan relayFrame, cfg.Workers),
		done:     make(chan struct{}),
		dropLog:  rate.Sometimes{First: 3, Interval: 10 * time.Second},
		writeLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
		dnsLog:   rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	for i := range r.queues {
		r.queues[i] = make(chan relayFrame, cfg.QueueSize)
	}
	r.pool.New = func() any {
		b := make([]byte, r.bufSize)
		return &b
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	flows.SetHooks(r.onEstablished, r.onFailed)
	return r
}

// State returns the router's lifecycle state.
func (r *TUNRouter) State() RouterState { return RouterState(r.state.Load()) }

// Stats returns the router's counters.
func (r *TUNRouter) Stats() *Stats { return r.stats }

// Run relays frames until ctx is cancelled, Stop is called or the adapter
// fails. An adapter failure is returned as AdapterClosed; cancellation
// returns nil.
func (r *TUNRouter) Run(ctx context.Context) error {
	r.started.Store(true)
	defer close(r.done)

	stop := context.AfterFunc(ctx, r.cancel)
	defer stop()

	r.state.CompareAndSwap(int32(RouterIdle), int32(RouterRunning))
	core.Log.Infof("Gateway", "Router started (workers=%d, mss=%d)", len(r.queues), r.mss)

	g, gctx := errgroup.WithContext(r.ctx)
	for _, q := range r.queues {
		g.Go(func() error {
			r.worker(gctx, q)
			return nil
		})
	}
	g.Go(func() error {
		r.flows.RunSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		return r.readLoop(gctx)
	})
	return g.Wait()
}

// Stop drains the router: no frames are written after Stop begins, every
// flow is closed and every goroutine has exited when it returns.
// Idempotent.
func (r *TUNRouter) Stop() {
	r.stopOnce.Do(func() {
		r.state.Store(int32(RouterDraining))

		r.writeMu.Lock()
		r.stopped = true
		r.writeMu.Unlock()

		r.cancel()
		// Unblocks a read in progress.
		_ = r.adapter.Close()
		if r.started.Load() {
			<-r.done
		}
		r.drainQueues()

		r.flows.CloseAll()
		r.dns.Wait()
		r.wg.Wait()

		r.state.Store(int32(RouterStopped))
		s := r.stats.Snapshot()
		core.Log.Infof("Gateway", "Router stopped (in=%d out=%d dropped=%d up=%dB down=%dB)",
			s.FramesIn, s.FramesOut, s.FramesDropped, s.BytesUp, s.BytesDown)
	})
}

func (r *TUNRouter) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		bufp := r.getBuf()
		n, err := r.adapter.ReadPacket(*bufp)
		if err != nil {
			r.putBuf(bufp)
			if ctx.Err() != nil {
				return nil
			}
			core.Log.Errorf("Gateway", "Adapter read failed: %v", err)
			return core.NewError(core.KindAdapterClosed, "read", err)
		}
		if n == 0 {
			r.putBuf(bufp)
			t := time.NewTimer(idleReadBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			continue
		}
		r.dispatch(bufp, (*bufp)[:n])
	}
}

// dispatch routes one frame. It takes ownership of bufp.
func (r *TUNRouter) dispatch(bufp *[]byte, pkt []byte) {
	r.stats.FramesIn.Add(1)

	if IsDNS(pkt) {
		if pp, ok := Classify(pkt); ok {
			r.handleDNS(&pp)
		}
		r.putBuf(bufp)
		return
	}

	pp, ok := Classify(pkt)
	if !ok {
		r.putBuf(bufp)
		return
	}
	if !r.filter.Allowed(pp.Key.DstAddr) {
		r.drop("blocked destination", pp.Key)
		r.putBuf(bufp)
		return
	}

	q := r.queues[pp.Key.hash()%uint32(len(r.queues))]
	select {
	case q <- relayFrame{buf: bufp, pkt: pp}:
	default:
		r.drop("queue full", pp.Key)
		r.putBuf(bufp)
	}
}

func (r *TUNRouter) worker(ctx context.Context, q chan relayFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case fr := <-q:
			switch fr.pkt.Key.Proto {
			case ProtoTCP:
				r.handleTCP(&fr.pkt)
			case ProtoUDP:
				r.handleUDP(&fr.pkt)
			}
			r.putBuf(fr.buf)
		}
	}
}

func (r *TUNRouter) drainQueues() {
	for _, q := range r.queues {
		for {
			select {
			case fr := <-q:
				r.putBuf(fr.buf)
				continue
			default:
			}
			break
		}
	}
}

func (r *TUNRouter) drop(reason string, key FlowKey) {
	d := r.stats.FramesDropped.Add(1)
	r.dropLog.Do(func() {
		core.Log.Warnf("Gateway", "Dropped %s: %s (total %d)", key, reason, d)
	})
}

// writeFrame writes one frame to the adapter. Frames are refused once Stop
// has begun.
func (r *TUNRouter) writeFrame(frame []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.stopped {
		return errRouterStopped
	}
	if err := r.adapter.WritePacket(frame); err != nil {
		d := r.stats.FramesDropped.Add(1)
		r.writeLog.Do(func() {
			core.Log.Warnf("Gateway", "Adapter write failed (drop #%d): %v", d, err)
		})
		return err
	}
	r.stats.FramesOut.Add(1)
	return nil
}

func (r *TUNRouter) nextID() uint16 { return uint16(r.ipID.Add(1)) }

func (r *TUNRouter) getBuf() *[]byte  { return r.pool.Get().(*[]byte) }
func (r *TUNRouter) putBuf(b *[]byte) { r.pool.Put(b) }

func clientAddr(pp *ParsedPacket) netip.AddrPort {
	return netip.AddrPortFrom(pp.Src, pp.Key.SrcPort)
}

// ---------------------------------------------------------------------------
// Flow hooks
// ---------------------------------------------------------------------------

func (r *TUNRouter) onEstablished(f *Flow) {
	if f.Key.Proto == ProtoTCP {
		r.onTCPEstablished(f)
		return
	}
	r.startPump(f)
}

func (r *TUNRouter) onFailed(f *Flow, _ error) {
	if f.Key.Proto == ProtoTCP {
		r.onTCPFailed(f)
	}
}

func (r *TUNRouter) startPump(f *Flow) {
	f.pumpOnce.Do(func() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if f.Key.Proto == ProtoTCP {
				r.pumpTCP(f)
			} else {
				r.pumpUDP(f)
			}
		}()
	})
}

// ---------------------------------------------------------------------------
// UDP
// ---------------------------------------------------------------------------

func (r *TUNRouter) handleUDP(pp *ParsedPacket) {
	f, err := r.flows.GetOrCreate(pp.Key, pp.Src)
	if err != nil {
		return
	}
	if err := f.Write(pp.Payload); err != nil {
		r.drop(err.Error(), pp.Key)
		return
	}
	r.stats.BytesUp.Add(uint64(len(pp.Payload)))
}

func (r *TUNRouter) pumpUDP(f *Flow) {
	conn := f.Conn()
	if conn == nil {
		return
	}
	bufp := r.getBuf()
	defer r.putBuf(bufp)
	buf := *bufp

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			f.touch()
			r.stats.BytesDown.Add(uint64(n))
			frame, ferr := buildUDPFrame(r.nextID(), f.Key.Dst(), f.Client(), buf[:n])
			if ferr == nil {
				_ = r.writeFrame(frame)
			}
		}
		if err != nil {
			r.flows.RemoveFlow(f)
			return
		}
	}
}

// ---------------------------------------------------------------------------
// DNS
// ---------------------------------------------------------------------------

func (r *TUNRouter) handleDNS(pp *ParsedPacket) {
	r.stats.DNSQueries.Add(1)
	query := append([]byte(nil), pp.Payload...)
	client := clientAddr(pp)
	server := pp.Key.Dst()

	ok := r.dns.Submit(r.ctx, query, func(resp []byte, err error) {
		if err != nil {
			r.stats.DNSFailures.Add(1)
			r.dnsLog.Do(func() {
				core.Log.Warnf("DNS", "%s from %s failed: %v", questionName(query), client, err)
			})
			if resp = ServFail(query); resp == nil {
				return
			}
		}
		frame, ferr := buildUDPFrame(r.nextID(), server, client, resp)
		if ferr != nil {
			core.Log.Errorf("DNS", "Build response frame: %v", ferr)
			return
		}
		_ = r.writeFrame(frame)
	})
	if !ok {
		r.drop("dns saturated", pp.Key)
	}
}
