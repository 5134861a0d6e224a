package sip

// StatusCode values for responses this package or its callers build
// directly (RFC 3261 §21). Only the subset actually constructed by the
// transaction FSMs and the registration/dialog layers built on top of them
// is named here; any other code is passed as a bare int to NewResponse /
// NewResponseFromRequest.
const (
	StatusTrying                 = 100
	StatusRinging                = 180
	StatusSessionProgress        = 183
	StatusOK                     = 200
	StatusMovedPermanently       = 301
	StatusMovedTemporarily       = 302
	StatusUseProxy               = 305
	StatusBadRequest             = 400
	StatusUnauthorized           = 401
	StatusForbidden              = 403
	StatusNotFound               = 404
	StatusRequestTimeout         = 408
	StatusGone                   = 410
	StatusTemporarilyUnavailable = 480
	StatusRequestTerminated      = 487
	StatusBusyHere               = 486
	StatusRequestPending         = 491
	StatusIntervalTooBrief       = 423
	StatusProxyAuthRequired      = 407
	StatusServerInternalErr      = 500
	StatusDecline                = 603
)
