package gateway

import (
	"errors"
	"io"
	"math/rand/v2"
	"time"

	"proxytun/internal/core"
)

// advertisedWindow is the receive window sent to clients. Client data is
// written upstream synchronously, so nothing is buffered on our side.
const advertisedWindow = 65535

// tcpState is the responder side of one client TCP connection. Guarded by
// Flow.tcpMu.
type tcpState struct {
	synSeen     bool // client SYN accepted
	upstreamUp  bool // upstream conn established
	upstreamErr bool // upstream connect failed
	established bool // SYN-ACK sent

	iss    uint32
	sndUna uint32
	sndNxt uint32
	sndWnd uint32
	rcvNxt uint32

	finRcvd bool
	finSent bool
}

func seqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func seqLEQ(a, b uint32) bool { return int32(a-b) <= 0 }

// ---------------------------------------------------------------------------
// Client-side segments
// ---------------------------------------------------------------------------

func (r *TUNRouter) handleTCP(pp *ParsedPacket) {
	f := r.flows.Get(pp.Key)

	if pp.Flags&tcpRST != 0 {
		if f != nil {
			core.Log.Debugf("Gateway", "%s reset by client", pp.Key)
			r.flows.RemoveFlow(f)
		}
		return
	}

	if f == nil {
		if pp.Flags&tcpSYN != 0 && pp.Flags&tcpACK == 0 {
			nf, err := r.flows.GetOrCreate(pp.Key, pp.Src)
			if err != nil {
				return
			}
			r.acceptSYN(nf, pp)
			return
		}
		r.sendReset(pp)
		return
	}

	if pp.Flags&tcpSYN != 0 && pp.Flags&tcpACK == 0 {
		r.acceptSYN(f, pp)
		return
	}
	r.handleTCPSegment(f, pp)
}

// acceptSYN records the client's SYN. The SYN-ACK is sent by whichever of
// acceptSYN and the connect hook runs second.
func (r *TUNRouter) acceptSYN(f *Flow, pp *ParsedPacket) {
	f.tcpMu.Lock()
	st := &f.tcp
	if !st.synSeen {
		st.synSeen = true
		st.iss = rand.Uint32()
		st.sndUna = st.iss
		st.sndNxt = st.iss + 1
		st.rcvNxt = pp.Seq + 1
		st.sndWnd = uint32(pp.Window)
		if st.upstreamErr {
			r.sendTCPLocked(f, 0, tcpRST|tcpACK, nil, false)
			f.tcpMu.Unlock()
			return
		}
	} else if st.established {
		// Retransmitted SYN: our SYN-ACK was lost.
		r.sendTCPLocked(f, st.iss, tcpSYN|tcpACK, nil, true)
		f.tcpMu.Unlock()
		return
	}
	ready := st.upstreamUp && !st.established
	if ready {
		st.established = true
		r.sendTCPLocked(f, st.iss, tcpSYN|tcpACK, nil, true)
	}
	f.tcpMu.Unlock()

	if ready {
		r.startPump(f)
	}
}

// onTCPEstablished is the connect hook for TCP flows.
func (r *TUNRouter) onTCPEstablished(f *Flow) {
	f.tcpMu.Lock()
	st := &f.tcp
	st.upstreamUp = true
	ready := st.synSeen && !st.established
	if ready {
		st.established = true
		r.sendTCPLocked(f, st.iss, tcpSYN|tcpACK, nil, true)
	}
	f.tcpMu.Unlock()

	if ready {
		r.startPump(f)
	}
}

// onTCPFailed resets the client when the upstream connect fails, or when
// an established flow's upstream write fails.
func (r *TUNRouter) onTCPFailed(f *Flow) {
	f.tcpMu.Lock()
	defer f.tcpMu.Unlock()
	st := &f.tcp
	st.upstreamErr = true
	switch {
	case st.established:
		r.sendTCPLocked(f, st.sndNxt, tcpRST|tcpACK, nil, false)
	case st.synSeen:
		r.sendTCPLocked(f, 0, tcpRST|tcpACK, nil, false)
	}
}

func (r *TUNRouter) handleTCPSegment(f *Flow, pp *ParsedPacket) {
	f.tcpMu.Lock()
	st := &f.tcp
	if !st.established {
		f.tcpMu.Unlock()
		return
	}

	if pp.Flags&tcpACK != 0 {
		if seqLT(st.sndUna, pp.Ack) && seqLEQ(pp.Ack, st.sndNxt) {
			st.sndUna = pp.Ack
		}
		st.sndWnd = uint32(pp.Window)
		f.notifyAck()
	}

	var data []byte
	plen := uint32(len(pp.Payload))
	switch {
	case plen == 0:
	case pp.Seq == st.rcvNxt:
		data = pp.Payload
	case seqLT(pp.Seq, st.rcvNxt):
		// Retransmission; keep only bytes past rcvNxt.
		if overlap := st.rcvNxt - pp.Seq; overlap < plen {
			data = pp.Payload[overlap:]
		}
	}

	// Write only queues, so it is safe under tcpMu. A full queue leaves
	// rcvNxt alone and the client retransmits.
	backlogged := false
	if len(data) > 0 {
		if err := f.Write(data); errors.Is(err, errPendingFull) {
			backlogged = true
			data = nil
		} else if err != nil {
			f.tcpMu.Unlock()
			r.abortTCP(f, err)
			return
		}
	}
	st.rcvNxt += uint32(len(data))

	fin := false
	if pp.Flags&tcpFIN != 0 && !st.finRcvd && pp.Seq+plen == st.rcvNxt {
		st.rcvNxt++
		st.finRcvd = true
		fin = true
	}
	needAck := plen > 0 || pp.Flags&tcpFIN != 0
	f.tcpMu.Unlock()

	if backlogged {
		r.drop("upstream backlog", f.Key)
	}
	if len(data) > 0 {
		r.stats.BytesUp.Add(uint64(len(data)))
	}
	if fin {
		if err := f.CloseWrite(); err != nil {
			core.Log.Debugf("Gateway", "%s half-close: %v", f.Key, err)
		}
	}
	if needAck {
		f.tcpMu.Lock()
		r.sendTCPLocked(f, f.tcp.sndNxt, tcpACK, nil, false)
		f.tcpMu.Unlock()
	}
	r.maybeFinishTCP(f)
}

// maybeFinishTCP removes the flow once both sides have closed and our FIN
// is acknowledged.
func (r *TUNRouter) maybeFinishTCP(f *Flow) {
	f.tcpMu.Lock()
	st := &f.tcp
	done := st.finRcvd && st.finSent && !seqLT(st.sndUna, st.sndNxt)
	f.tcpMu.Unlock()
	if done {
		r.flows.RemoveFlow(f)
	}
}

func (r *TUNRouter) abortTCP(f *Flow, err error) {
	core.Log.Debugf("Gateway", "%s aborted: %v", f.Key, err)
	f.tcpMu.Lock()
	r.sendTCPLocked(f, f.tcp.sndNxt, tcpRST|tcpACK, nil, false)
	f.tcpMu.Unlock()
	r.flows.RemoveFlow(f)
}

// sendReset answers a segment that matches no flow.
func (r *TUNRouter) sendReset(pp *ParsedPacket) {
	seg := tcpSegment{
		src: pp.Key.Dst(),
		dst: clientAddr(pp),
	}
	if pp.Flags&tcpACK != 0 {
		seg.seq = pp.Ack
		seg.flags = tcpRST
	} else {
		seg.ack = pp.Seq + uint32(len(pp.Payload))
		if pp.Flags&tcpSYN != 0 {
			seg.ack++
		}
		if pp.Flags&tcpFIN != 0 {
			seg.ack++
		}
		seg.flags = tcpRST | tcpACK
	}
	r.writeTCP(seg)
}

// sendTCPLocked writes a segment on f from the server side. Caller holds
// f.tcpMu.
func (r *TUNRouter) sendTCPLocked(f *Flow, seq uint32, flags byte, payload []byte, withMSS bool) {
	seg := tcpSegment{
		src:     f.Key.Dst(),
		dst:     f.Client(),
		seq:     seq,
		ack:     f.tcp.rcvNxt,
		flags:   flags,
		window:  advertisedWindow,
		payload: payload,
	}
	if withMSS {
		seg.mss = uint16(r.mss)
	}
	r.writeTCP(seg)
}

func (r *TUNRouter) writeTCP(seg tcpSegment) {
	frame, err := buildTCPFrame(r.nextID(), seg)
	if err != nil {
		core.Log.Errorf("Gateway", "Build TCP frame: %v", err)
		return
	}
	_ = r.writeFrame(frame)
}

// ---------------------------------------------------------------------------
// Upstream-side data
// ---------------------------------------------------------------------------

// pumpTCP relays upstream bytes to the client in MSS-sized segments.
func (r *TUNRouter) pumpTCP(f *Flow) {
	conn := f.Conn()
	if conn == nil {
		return
	}
	bufp := r.getBuf()
	defer r.putBuf(bufp)
	buf := (*bufp)[:r.mss]

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			f.touch()
			r.stats.BytesDown.Add(uint64(n))
			if !r.sendData(f, buf[:n]) {
				return
			}
		}
		if err != nil {
			if f.State() == FlowClosed {
				return
			}
			if !errors.Is(err, io.EOF) {
				core.Log.Debugf("Gateway", "%s upstream read: %v", f.Key, err)
			}
			f.tcpMu.Lock()
			if !f.tcp.finSent {
				f.tcp.finSent = true
				r.sendTCPLocked(f, f.tcp.sndNxt, tcpFIN|tcpACK, nil, false)
				f.tcp.sndNxt++
			}
			f.tcpMu.Unlock()
			r.maybeFinishTCP(f)
			return
		}
	}
}

// sendData sends p once the client window has room, or after windowWait.
func (r *TUNRouter) sendData(f *Flow, p []byte) bool {
	deadline := time.Now().Add(windowWait)
	for {
		if f.State() == FlowClosed {
			return false
		}
		f.tcpMu.Lock()
		st := &f.tcp
		inflight := st.sndNxt - st.sndUna
		wait := time.Until(deadline)
		if inflight+uint32(len(p)) <= st.sndWnd || wait <= 0 {
			r.sendTCPLocked(f, st.sndNxt, tcpPSH|tcpACK, p, false)
			st.sndNxt += uint32(len(p))
			f.tcpMu.Unlock()
			return true
		}
		f.tcpMu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-f.ackCh:
		case <-t.C:
		case <-r.ctx.Done():
			t.Stop()
			return false
		}
		t.Stop()
	}
}
