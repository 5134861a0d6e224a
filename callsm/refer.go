package callsm

import "github.com/looplab/fsm"

// REFER subscription states (RFC 3515 + RFC 3265 implicit subscription),
// named after arzzra/soft_phone's refer_fsm.go.
const (
	ReferStatePending    = "pending"
	ReferStateTrying     = "trying"
	ReferStateProceeding = "proceeding"
	ReferStateCompleted  = "completed"
	ReferStateFailed     = "failed"
	ReferStateTerminated = "terminated"
)

// newReferFSM tracks a REFER's progress. The call model ends the referring
// dialog as soon as the REFER itself is accepted (spec §4.5 "202 Accepted ->
// Ended(Deflected)"): Deflect fires notify_success on the 202 and then tears
// the dialog down. NOTIFYs carrying a sipfrag body are not fed into this FSM.
func newReferFSM() *fsm.FSM {
	return fsm.NewFSM(
		ReferStatePending,
		fsm.Events{
			{Name: "notify_100", Src: []string{ReferStatePending}, Dst: ReferStateTrying},
			{Name: "notify_1xx", Src: []string{ReferStateTrying, ReferStatePending}, Dst: ReferStateProceeding},
			{Name: "notify_success", Src: []string{ReferStateTrying, ReferStateProceeding, ReferStatePending}, Dst: ReferStateCompleted},
			{Name: "notify_failure", Src: []string{ReferStateTrying, ReferStateProceeding, ReferStatePending}, Dst: ReferStateFailed},
			{Name: "terminate", Src: []string{ReferStateCompleted, ReferStateFailed}, Dst: ReferStateTerminated},
		}, nil,
	)
}
