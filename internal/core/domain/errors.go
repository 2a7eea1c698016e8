package domain

import "errors"

var (
	ErrNicknameConflict    = errors.New("nickname already in use")
	ErrNotConnected        = errors.New("signaling transport not connected")
	ErrAuthFailed          = errors.New("authentication failed")
	ErrRequestTimeout      = errors.New("request timed out")
	ErrAlreadyNegotiating  = errors.New("session already negotiating")
	ErrSessionStopped      = errors.New("session stopped")
	ErrNoSupportedCodec    = errors.New("no supported codec offered")
	ErrMissingDescription  = errors.New("content has no description")
	ErrNoMediaContent      = errors.New("offer has no usable media content")
	ErrUnknownTransport    = errors.New("unknown transport name")
	ErrConnectivityFailed  = errors.New("connectivity establishment failed")
	ErrConnectivityTimeout = errors.New("connectivity establishment timed out")
	ErrNoSelectedPair      = errors.New("connectivity transport has no selected pair")
	ErrInjectorClosed      = errors.New("packet injector closed")
	ErrQueueFull           = errors.New("packet injector queue full")
	ErrStreamNotConnected  = errors.New("media stream has no connector")
)
