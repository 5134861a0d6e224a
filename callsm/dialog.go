// Package callsm implements the per-call dialog state machine: placing and
// answering calls, hold/resume, DTMF and call-deflection, driven by a
// looplab/fsm.FSM whose event names are the SIP methods and response
// classes that move a call between states (spec §4.5).
package callsm

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/mobilesip/sipcore/account"
	"github.com/mobilesip/sipcore/listener"
	"github.com/mobilesip/sipcore/media"
	"github.com/mobilesip/sipcore/sip"
)

// Call states (spec §4.5).
const (
	StateIdle               = "idle"
	StateOutgoingInit       = "outgoing_init"
	StateOutgoingProceeding = "outgoing_proceeding"
	StateOutgoingRinging    = "outgoing_ringing"
	StateIncomingReceived   = "incoming_received"
	StateIncomingRinging    = "incoming_ringing"
	StateConnected          = "connected"
	StateHeld               = "held"
	StateEnding             = "ending"
	StateEnded              = "ended"
	StateError              = "error"
)

const (
	evRingProgress = "ring_progress"
	evRing         = "ring"
	evIncomingRing = "incoming_ring"
	evConnect      = "connect"
	evReject       = "reject"
	evDecline      = "decline"
	evCancelled    = "cancelled"
	evHold         = "hold"
	evResume       = "resume"
	evTeardown     = "teardown"
	evTerminated   = "terminated"
	evError        = "error"
)

// statusAccepted is the REFER success code (RFC 3515). Not in sip/status.go
// since the teacher's proxy-only example never answers a REFER itself.
const statusAccepted = 202

// CallEndReason classifies how a finished call ended (spec §7), mapped from
// the SIP status that closed it.
type CallEndReason int

const (
	ReasonNone CallEndReason = iota
	NormalHangup
	Busy
	NoAnswer
	Rejected
	NetworkError
	Cancelled
	Timeout
	Deflected
	ErrorReason
)

func (r CallEndReason) String() string {
	switch r {
	case NormalHangup:
		return "NormalHangup"
	case Busy:
		return "Busy"
	case NoAnswer:
		return "NoAnswer"
	case Rejected:
		return "Rejected"
	case NetworkError:
		return "NetworkError"
	case Cancelled:
		return "Cancelled"
	case Timeout:
		return "Timeout"
	case Deflected:
		return "Deflected"
	case ErrorReason:
		return "Error"
	default:
		return "None"
	}
}

// mapStatusToReason implements the status -> reason table from spec §7.
func mapStatusToReason(code int) CallEndReason {
	switch {
	case code == sip.StatusBusyHere || code == 600:
		return Busy
	case code == sip.StatusDecline:
		return Rejected
	case code == sip.StatusRequestTimeout || code == sip.StatusTemporarilyUnavailable:
		return NoAnswer
	case code == sip.StatusRequestTerminated:
		return Cancelled
	case code >= 600:
		return Rejected
	default:
		return ErrorReason
	}
}

// Dialog drives one call for one account. Its owning account calls Start,
// Accept, Hold, Bye, etc. directly and synchronously; the mutex below guards
// the few fields a retransmission callback or a ServerTx.OnCancel callback
// can still reach from a different goroutine.
type Dialog struct {
	acc   *account.Account
	txl   *sip.TransactionLayer
	media media.Engine
	sink  listener.Sink

	direction string // "incoming" | "outgoing"
	callID    string

	localURI  sip.Uri
	localTag  string
	remoteURI sip.Uri
	remoteTag string

	remoteContactURI sip.Uri

	mu               sync.Mutex
	fsm              *fsm.FSM
	localCSeq        uint32
	clientTx         *sip.ClientTx
	reinviteInFlight bool
	holdByLocal      bool
	lastDTMFAt       time.Time

	// dialogState tracks the RFC 3261 §12 dialog-establishment lifecycle
	// (sip.DialogStateEstablished/Confirmed/Ended), which is narrower than
	// fsm above: a call rejected, declined or cancelled before a final 2xx
	// never establishes a dialog at all, so hasDialogState stays false for
	// it.
	dialogState    int
	hasDialogState bool

	inviteReq *sip.Request
	serverTx  *sip.ServerTx

	referFSM *fsm.FSM

	startedAt time.Time
	log       zerolog.Logger
}

func newDialogFSM(initial string) *fsm.FSM {
	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: evRingProgress, Src: []string{StateOutgoingInit}, Dst: StateOutgoingProceeding},
			{Name: evRing, Src: []string{StateOutgoingInit, StateOutgoingProceeding}, Dst: StateOutgoingRinging},
			{Name: evIncomingRing, Src: []string{StateIncomingReceived}, Dst: StateIncomingRinging},
			{Name: evConnect, Src: []string{StateOutgoingInit, StateOutgoingProceeding, StateOutgoingRinging, StateIncomingReceived, StateIncomingRinging}, Dst: StateConnected},
			{Name: evReject, Src: []string{StateOutgoingInit, StateOutgoingProceeding, StateOutgoingRinging}, Dst: StateEnded},
			{Name: evDecline, Src: []string{StateIncomingReceived, StateIncomingRinging}, Dst: StateEnded},
			{Name: evCancelled, Src: []string{StateIncomingReceived, StateIncomingRinging, StateOutgoingInit, StateOutgoingProceeding, StateOutgoingRinging}, Dst: StateEnded},
			{Name: evHold, Src: []string{StateConnected}, Dst: StateHeld},
			{Name: evResume, Src: []string{StateHeld}, Dst: StateConnected},
			{Name: evTeardown, Src: []string{StateConnected, StateHeld, StateIncomingReceived, StateIncomingRinging}, Dst: StateEnding},
			{Name: evTerminated, Src: []string{StateEnding}, Dst: StateEnded},
			{Name: evError, Src: []string{StateIdle, StateOutgoingInit, StateOutgoingProceeding, StateOutgoingRinging, StateIncomingReceived, StateIncomingRinging, StateConnected, StateHeld, StateEnding}, Dst: StateError},
		},
		nil,
	)
}

// NewOutgoing builds a dialog for a call this account is placing. Call
// Start to actually send the INVITE.
func NewOutgoing(acc *account.Account, txl *sip.TransactionLayer, eng media.Engine, sink listener.Sink, target sip.Uri) *Dialog {
	callID := fmt.Sprintf("%s-%s", acc.Username, sip.GenerateTagN(16))
	d := &Dialog{
		acc:       acc,
		txl:       txl,
		media:     eng,
		sink:      sink,
		direction: "outgoing",
		callID:    callID,
		localURI:  sip.Uri{User: acc.Username, Host: acc.Domain},
		localTag:  sip.GenerateTagN(10),
		remoteURI: target,
		startedAt: time.Now(),
		log:       acc.Logger().With().Str("component", "callsm").Str("call_id", callID).Logger(),
	}
	d.remoteContactURI = target
	d.fsm = newDialogFSM(StateOutgoingInit)
	return d
}

// NewIncoming builds a dialog for req, an INVITE that has no matching
// active call on acc. tx is the ServerTx the transaction layer already
// created for it. NewIncoming sends 100 Trying and the IncomingCall event
// before returning.
func NewIncoming(acc *account.Account, txl *sip.TransactionLayer, eng media.Engine, sink listener.Sink, req *sip.Request, tx *sip.ServerTx) *Dialog {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = string(*cid)
	}

	d := &Dialog{
		acc:       acc,
		txl:       txl,
		media:     eng,
		sink:      sink,
		direction: "incoming",
		callID:    callID,
		localURI:  sip.Uri{User: acc.Username, Host: acc.Domain},
		localTag:  sip.GenerateTagN(10),
		inviteReq: req,
		serverTx:  tx,
		startedAt: time.Now(),
		log:       acc.Logger().With().Str("component", "callsm").Str("call_id", callID).Logger(),
	}

	if from := req.From(); from != nil {
		d.remoteURI = from.Address
		if tag, ok := from.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if c, ok := req.Contact(); ok {
		d.remoteContactURI = c.Address
	}

	d.fsm = newDialogFSM(StateIncomingReceived)
	tx.OnCancel(d.onCancelReceived)

	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil))
	d.notify(listener.IncomingCall, "")
	return d
}

func (d *Dialog) CallID() string    { return d.callID }
func (d *Dialog) Direction() string { return d.direction }

func (d *Dialog) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fsm.Current()
}

// DialogState reports the RFC 3261 dialog-establishment state reached so
// far; ok is false until the first 2xx response or Accept's 200 OK is sent.
func (d *Dialog) DialogState() (state int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialogState, d.hasDialogState
}

func (d *Dialog) setDialogState(s int) {
	d.mu.Lock()
	d.dialogState = s
	d.hasDialogState = true
	d.mu.Unlock()
}

// endDialogState marks Ended, but only for a dialog that actually reached
// Established first - Deflect, Decline, Cancel and outright rejection can
// all call finish/endDirect without ever having sent or received a 2xx.
func (d *Dialog) endDialogState() {
	d.mu.Lock()
	if d.hasDialogState {
		d.dialogState = sip.DialogStateEnded
	}
	d.mu.Unlock()
}

func (d *Dialog) transition(ctx context.Context, ev string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fsm.Event(ctx, ev); err != nil {
		if _, ok := err.(fsm.NoTransitionError); ok {
			return nil
		}
		return err
	}
	return nil
}

func (d *Dialog) callInfo() listener.CallInfo {
	return listener.CallInfo{
		AccountKey: string(d.acc.Key()),
		CallID:     d.callID,
		Remote:     d.remoteURI.String(),
		Direction:  d.direction,
		StartedAt:  d.startedAt,
	}
}

func (d *Dialog) notify(kind listener.Kind, reason string) {
	d.sink.Notify(listener.Event{
		Kind:       kind,
		AccountKey: string(d.acc.Key()),
		Call:       d.callInfo(),
		Reason:     reason,
	})
}

func (d *Dialog) fail(ctx context.Context, err error) error {
	_ = d.transition(ctx, evError)
	d.acc.ClearActiveCall(d.callID)
	d.sink.Notify(listener.Event{
		Kind:       listener.CallFailed,
		AccountKey: string(d.acc.Key()),
		Call:       d.callInfo(),
		Err:        err,
	})
	return err
}

// finish moves Ending to Ended (or, for the direct-to-Ended events, is
// called right after the transition already landed there) and emits the
// CallEnded event.
func (d *Dialog) finish(ctx context.Context, reason CallEndReason, err error) {
	_ = d.transition(ctx, evTerminated)
	d.endDialogState()
	d.acc.ClearActiveCall(d.callID)
	_ = d.media.Dispose(ctx)
	d.sink.Notify(listener.Event{
		Kind:       listener.CallEnded,
		AccountKey: string(d.acc.Key()),
		Call:       d.callInfo(),
		Reason:     reason.String(),
		Err:        err,
	})
}

// endDirect is used by the reject/decline/cancelled events, which land on
// Ended without passing through Ending.
func (d *Dialog) endDirect(ctx context.Context, ev string, reason CallEndReason, err error) {
	_ = d.transition(ctx, ev)
	d.acc.ClearActiveCall(d.callID)
	_ = d.media.Dispose(ctx)
	d.sink.Notify(listener.Event{
		Kind:       listener.CallEnded,
		AccountKey: string(d.acc.Key()),
		Call:       d.callInfo(),
		Reason:     reason.String(),
		Err:        err,
	})
}

func (d *Dialog) nextCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localCSeq++
	return d.localCSeq
}

// buildInvite constructs the initial INVITE for an outgoing call, in the
// same manual header-by-header style as account.RegistrationManager.buildRegister.
func (d *Dialog) buildInvite(sdp []byte) *sip.Request {
	req := sip.NewRequest(sip.INVITE, *d.remoteURI.Clone())

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       d.acc.Conn.LocalAddr().Network(),
		Host:            d.localURI.Host,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.AppendHeader(via)

	from := &sip.FromHeader{Address: d.localURI, Params: sip.NewParams()}
	from.Params.Add("tag", d.localTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: d.remoteURI, Params: sip.NewParams()}
	req.AppendHeader(to)

	callID := sip.CallID(d.callID)
	req.AppendHeader(&callID)

	cseq := &sip.CSeq{SeqNo: d.nextCSeq(), MethodName: sip.INVITE}
	req.AppendHeader(cseq)

	contact := &sip.ContactHeader{Address: d.acc.Contact()}
	req.AppendHeader(contact)

	maxFwd := sip.MaxForwards(70)
	req.AppendHeader(&maxFwd)

	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if d.acc.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", d.acc.UserAgent))
	}

	req.SetBody(sdp)
	req.SetTransport(via.Transport)
	return req
}

// buildInDialogRequest constructs a subsequent request within an
// established dialog (BYE, re-INVITE, INFO, REFER). The sender's identity
// always goes in From regardless of which side originally sent the INVITE
// (RFC 3261 §12).
func (d *Dialog) buildInDialogRequest(method sip.RequestMethod, body []byte, contentType string) *sip.Request {
	req := sip.NewRequest(method, *d.remoteContactURI.Clone())

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       d.acc.Conn.LocalAddr().Network(),
		Host:            d.localURI.Host,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.AppendHeader(via)

	from := &sip.FromHeader{Address: d.localURI, Params: sip.NewParams()}
	from.Params.Add("tag", d.localTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: d.remoteURI, Params: sip.NewParams()}
	to.Params.Add("tag", d.remoteTag)
	req.AppendHeader(to)

	callID := sip.CallID(d.callID)
	req.AppendHeader(&callID)

	cseq := &sip.CSeq{SeqNo: d.nextCSeq(), MethodName: method}
	req.AppendHeader(cseq)

	contact := &sip.ContactHeader{Address: d.acc.Contact()}
	req.AppendHeader(contact)

	maxFwd := sip.MaxForwards(70)
	req.AppendHeader(&maxFwd)

	if contentType != "" {
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	req.SetBody(body)
	req.SetTransport(via.Transport)
	return req
}

// buildCancel mirrors the unexported newCancelRequest in sip/request.go:
// the CANCEL reuses the INVITE's Via unchanged so the far end matches it
// to the pending INVITE server transaction.
func (d *Dialog) buildCancel(invite *sip.Request) *sip.Request {
	req := sip.NewRequest(sip.CANCEL, *invite.Recipient.Clone())
	req.SipVersion = invite.SipVersion

	if via := invite.Via(); via != nil {
		req.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", invite, req)
	maxFwd := sip.MaxForwards(70)
	req.AppendHeader(&maxFwd)
	sip.CopyHeaders("From", invite, req)
	sip.CopyHeaders("To", invite, req)
	sip.CopyHeaders("Call-ID", invite, req)
	sip.CopyHeaders("CSeq", invite, req)
	if cseq := req.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}
	req.SetTransport(invite.Transport())
	return req
}

// sendAck2xx builds and writes the ACK for a 2xx INVITE/re-INVITE response,
// mirroring sip.newAckRequestNon2xx's header copying. A 2xx ACK is not part
// of the INVITE client transaction (RFC 3261 §13.2.2.4), so it is written
// straight to the connection rather than through the transaction layer.
func (d *Dialog) sendAck2xx(req *sip.Request, res *sip.Response) {
	ack := sip.NewRequest(sip.ACK, *req.Recipient.Clone())
	ack.SipVersion = req.SipVersion

	sip.CopyHeaders("Via", req, ack)
	sip.CopyHeaders("From", req, ack)
	sip.CopyHeaders("To", res, ack)
	sip.CopyHeaders("Call-ID", req, ack)
	sip.CopyHeaders("CSeq", req, ack)
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}
	maxFwd := sip.MaxForwards(70)
	ack.AppendHeader(&maxFwd)

	ack.SetTransport(req.Transport())
	if err := d.acc.Conn.WriteMsg(ack); err != nil {
		d.log.Error().Err(err).Msg("failed to send ACK for 2xx response")
	}
}

// send issues req as its own client transaction and waits for the first
// final response (spec §5 "transport open, response await" are the
// blocking operations in the per-account actor loop).
func (d *Dialog) send(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := d.txl.Request(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("callsm: send %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("callsm: %s transaction terminated without response", req.Method)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// captureDialogFromResponse reads the remote tag and contact out of the
// response that first established the dialog.
func (d *Dialog) captureDialogFromResponse(res *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if c, ok := res.Contact(); ok {
		d.remoteContactURI = c.Address
	}
}

// Start places the call: creates a local SDP offer, sends the INVITE, and
// follows provisional responses through to a final outcome (spec §4.5
// outgoing call flow). It returns once the call is Connected or Ended.
func (d *Dialog) Start(ctx context.Context) error {
	offer, err := d.media.CreateOffer(ctx)
	if err != nil {
		return d.fail(ctx, fmt.Errorf("callsm: create offer: %w", err))
	}

	req := d.buildInvite([]byte(offer))
	d.mu.Lock()
	d.inviteReq = req
	d.mu.Unlock()

	tx, err := d.txl.Request(ctx, req)
	if err != nil {
		return d.fail(ctx, fmt.Errorf("callsm: send invite: %w", err))
	}
	d.mu.Lock()
	d.clientTx = tx
	d.mu.Unlock()

	for {
		select {
		case res := <-tx.Responses():
			switch {
			case res.IsProvisional():
				if res.StatusCode == sip.StatusTrying {
					_ = d.transition(ctx, evRingProgress)
					continue
				}
				_ = d.transition(ctx, evRing)
				d.notify(listener.CallRinging, "")
				continue

			case res.IsSuccess():
				if err := d.media.ApplyAnswer(ctx, string(res.Body())); err != nil {
					return d.fail(ctx, fmt.Errorf("callsm: apply answer: %w", err))
				}
				d.captureDialogFromResponse(res)
				d.setDialogState(sip.DialogStateEstablished)
				d.sendAck2xx(req, res)
				d.setDialogState(sip.DialogStateConfirmed)
				tx.OnRetransmission(func(r *sip.Response) { d.sendAck2xx(req, r) })

				_ = d.transition(ctx, evConnect)
				d.acc.SetActiveCall(d.callID)
				d.notify(listener.CallConnected, "")
				return nil

			default:
				reason := mapStatusToReason(res.StatusCode)
				ev := evReject
				if reason == Cancelled {
					ev = evCancelled
				}
				d.endDirect(ctx, ev, reason, fmt.Errorf("callsm: invite rejected: %d %s", res.StatusCode, res.Reason))
				return nil
			}

		case <-tx.Done():
			if err := tx.Err(); err != nil {
				d.endDirect(ctx, evReject, Timeout, err)
				return err
			}
			return nil

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Cancel sends CANCEL for an outgoing call still ringing. The eventual
// 487 on the original INVITE transaction (observed by Start's loop) is
// what actually moves the dialog to Ended(Cancelled).
func (d *Dialog) Cancel(ctx context.Context) error {
	d.mu.Lock()
	req := d.inviteReq
	d.mu.Unlock()
	if req == nil {
		return fmt.Errorf("callsm: no in-flight invite to cancel")
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := d.send(cancelCtx, d.buildCancel(req))
	return err
}

// Ring sends 180 Ringing for an incoming call (spec §4.5: sent once media
// setup for the offer is ready, after the immediate 100 Trying).
func (d *Dialog) Ring(ctx context.Context) error {
	d.mu.Lock()
	tx := d.serverTx
	req := d.inviteReq
	d.mu.Unlock()

	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusRinging, "Ringing", nil)); err != nil {
		return err
	}
	if err := d.transition(ctx, evIncomingRing); err != nil {
		return err
	}
	d.notify(listener.CallRinging, "")
	return nil
}

// Accept answers an incoming call: builds an SDP answer, sends 200 OK, and
// waits for the ACK before declaring the call Connected.
func (d *Dialog) Accept(ctx context.Context) error {
	d.mu.Lock()
	tx := d.serverTx
	req := d.inviteReq
	d.mu.Unlock()

	answer, err := d.media.CreateAnswer(ctx, string(req.Body()))
	if err != nil {
		return d.fail(ctx, fmt.Errorf("callsm: create answer: %w", err))
	}

	res := sip.NewSDPResponseFromRequest(req, []byte(answer))
	res.AppendHeader(&sip.ContactHeader{Address: d.acc.Contact()})
	if toTag, ok := res.To().Params.Get("tag"); ok {
		d.mu.Lock()
		d.localTag = toTag
		d.mu.Unlock()
	}

	if err := tx.Respond(res); err != nil {
		return d.fail(ctx, fmt.Errorf("callsm: respond 200: %w", err))
	}
	d.setDialogState(sip.DialogStateEstablished)

	select {
	case <-tx.Acks():
		d.setDialogState(sip.DialogStateConfirmed)
	case <-time.After(32 * time.Second):
		return d.fail(ctx, fmt.Errorf("callsm: no ACK received for 200 OK"))
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := d.transition(ctx, evConnect); err != nil {
		return err
	}
	d.acc.SetActiveCall(d.callID)
	d.notify(listener.CallConnected, "")
	return nil
}

// Decline rejects an incoming call with code/reason (486 Busy Here, 603
// Decline, ...).
func (d *Dialog) Decline(ctx context.Context, code int, reason string) error {
	d.mu.Lock()
	tx := d.serverTx
	req := d.inviteReq
	d.mu.Unlock()

	_ = tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil))
	d.endDirect(ctx, evDecline, mapStatusToReason(code), nil)
	return nil
}

// onCancelReceived is the ServerTx.OnCancel callback fired when the caller
// CANCELs before we sent a final response (spec §4.5 "CANCEL before final
// response -> 487 + 200 to CANCEL + Ended(Cancelled)").
func (d *Dialog) onCancelReceived(_ *sip.Request) {
	d.mu.Lock()
	tx := d.serverTx
	req := d.inviteReq
	d.mu.Unlock()

	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusRequestTerminated, "Request Terminated", nil))
	d.endDirect(context.Background(), evCancelled, Cancelled, nil)
}

// Deflect redirects an incoming, not-yet-accepted call elsewhere via REFER
// (spec §4.5 "REFER (call deflect)").
func (d *Dialog) Deflect(ctx context.Context, target sip.Uri) error {
	req := d.buildInDialogRequest(sip.REFER, nil, "")
	req.AppendHeader(&sip.ReferToHeader{Address: target})
	req.AppendHeader(&sip.ReferredByHeader{Address: d.localURI})

	d.mu.Lock()
	d.referFSM = newReferFSM()
	d.mu.Unlock()

	res, err := d.send(ctx, req)
	if err != nil {
		return d.fail(ctx, err)
	}
	if res.StatusCode != statusAccepted {
		return fmt.Errorf("callsm: refer rejected: %d %s", res.StatusCode, res.Reason)
	}

	d.mu.Lock()
	_ = d.referFSM.Event(ctx, "notify_success")
	d.mu.Unlock()

	if err := d.transition(ctx, evTeardown); err != nil {
		return err
	}
	d.finish(ctx, Deflected, nil)
	return nil
}

// Hold places a Connected call on hold by re-INVITEing with the media
// direction flipped to sendonly (spec §4.5 hold/resume).
func (d *Dialog) Hold(ctx context.Context) error {
	return d.setHold(ctx, true)
}

// Resume releases a previously-placed local hold.
func (d *Dialog) Resume(ctx context.Context) error {
	return d.setHold(ctx, false)
}

func (d *Dialog) setHold(ctx context.Context, hold bool) error {
	sdp, err := d.media.SetHold(ctx, hold)
	if err != nil {
		return fmt.Errorf("callsm: set hold: %w", err)
	}
	body, err := rewriteDirection([]byte(sdp), flipDirectionForHold(hold))
	if err != nil {
		return fmt.Errorf("callsm: set hold: %w", err)
	}

	d.mu.Lock()
	d.reinviteInFlight = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.reinviteInFlight = false
		d.mu.Unlock()
	}()

	// RFC 3261 §14.1 re-INVITE collision: back off a random 0-2s and retry
	// once on 491 Request Pending.
	for attempt := 0; attempt < 2; attempt++ {
		req := d.buildInDialogRequest(sip.INVITE, body, "application/sdp")
		res, err := d.runInviteTransaction(ctx, req)
		if err != nil {
			return err
		}

		if res.StatusCode == sip.StatusRequestPending {
			backoff := time.Duration(rand.Intn(2000)) * time.Millisecond
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if !res.IsSuccess() {
			return fmt.Errorf("callsm: re-invite rejected: %d %s", res.StatusCode, res.Reason)
		}

		d.mu.Lock()
		d.holdByLocal = hold
		d.mu.Unlock()

		ev := evHold
		if !hold {
			ev = evResume
		}
		return d.transition(ctx, ev)
	}
	return fmt.Errorf("callsm: re-invite collision retries exhausted")
}

// runInviteTransaction sends an in-dialog INVITE and, on a 2xx, ACKs it and
// watches for retransmissions (the same Timer M tolerance Start relies on).
func (d *Dialog) runInviteTransaction(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := d.txl.Request(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("callsm: send invite: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			if res.IsSuccess() {
				d.sendAck2xx(req, res)
				tx.OnRetransmission(func(r *sip.Response) { d.sendAck2xx(req, r) })
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("callsm: invite transaction terminated without response")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// SendDTMF sends one digit via INFO (application/dtmf-relay), pacing
// successive digits by duration+40ms (spec §4.5 DTMF).
func (d *Dialog) SendDTMF(ctx context.Context, digit byte, durationMs int) error {
	d.mu.Lock()
	last := d.lastDTMFAt
	d.mu.Unlock()

	minGap := time.Duration(durationMs+40) * time.Millisecond
	if !last.IsZero() {
		if since := time.Since(last); since < minGap {
			select {
			case <-time.After(minGap - since):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	body := fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", digit, durationMs)
	req := d.buildInDialogRequest(sip.INFO, []byte(body), "application/dtmf-relay")
	res, err := d.send(ctx, req)

	d.mu.Lock()
	d.lastDTMFAt = time.Now()
	d.mu.Unlock()

	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return fmt.Errorf("callsm: dtmf info rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// Bye ends a Connected or Held call (spec §4.5 BYE).
func (d *Dialog) Bye(ctx context.Context) error {
	if err := d.transition(ctx, evTeardown); err != nil {
		return err
	}

	byeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, sendErr := d.send(byeCtx, d.buildInDialogRequest(sip.BYE, nil, ""))
	reason := NormalHangup
	switch {
	case sendErr != nil:
		reason = NetworkError
	case !res.IsSuccess():
		reason = ErrorReason
	}
	d.finish(ctx, reason, sendErr)
	return sendErr
}

// HandleRequest dispatches an in-dialog request delivered by the account's
// TransactionLayer. ACKs for 2xx responses never reach here - they are
// matched to the original ServerTx and delivered over its Acks() channel.
func (d *Dialog) HandleRequest(req *sip.Request, tx *sip.ServerTx) {
	switch req.Method {
	case sip.BYE:
		d.handleBye(req, tx)
	case sip.INVITE:
		d.handleReInvite(req, tx)
	case sip.INFO:
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	default:
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	}
}

// handleBye answers a peer-initiated BYE. If we already started our own
// teardown (concurrent BYE race, spec §4.5 ordering rule), the first one
// to move the state wins and this is just a 200 OK with no further change.
func (d *Dialog) handleBye(req *sip.Request, tx *sip.ServerTx) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	d.mu.Lock()
	cur := d.fsm.Current()
	d.mu.Unlock()
	if cur == StateEnding || cur == StateEnded {
		return
	}

	ctx := context.Background()
	if err := d.transition(ctx, evTeardown); err != nil {
		return
	}
	d.finish(ctx, NormalHangup, nil)
}

// handleReInvite answers a peer-initiated re-INVITE: hold/resume detected
// from the SDP direction attribute (spec §4.5 "remote hold is detected by
// inspecting the incoming SDP a= direction attribute").
func (d *Dialog) handleReInvite(req *sip.Request, tx *sip.ServerTx) {
	d.mu.Lock()
	collision := d.reinviteInFlight
	d.mu.Unlock()
	if collision {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusRequestPending, "Request Pending", nil))
		return
	}

	dir, err := mediaDirection(req.Body())
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return
	}
	remoteHold := remoteHoldDirection(dir)

	ctx := context.Background()
	answerSDP, err := d.media.SetHold(ctx, remoteHold)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusServerInternalErr, "Server Error", nil))
		return
	}
	answerBody, err := rewriteDirection([]byte(answerSDP), mirrorDirection(dir))
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusServerInternalErr, "Server Error", nil))
		return
	}

	res := sip.NewSDPResponseFromRequest(req, answerBody)
	if err := tx.Respond(res); err != nil {
		return
	}

	select {
	case <-tx.Acks():
	case <-time.After(32 * time.Second):
		return
	}

	d.mu.Lock()
	d.holdByLocal = false
	d.mu.Unlock()

	ev := evResume
	if remoteHold {
		ev = evHold
	}
	_ = d.transition(ctx, ev)
}
