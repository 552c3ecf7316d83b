package hub

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol marks a malformed or undecodable request.
	ErrProtocol = errors.New("protocol error")

	// ErrUnknownCommand marks a request naming a command the hub does not know.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrTransportLost marks a stream that closed or failed mid-session.
	ErrTransportLost = errors.New("transport lost")

	// ErrConfiguration marks an invalid agent descriptor or push options.
	ErrConfiguration = errors.New("configuration error")

	// ErrRouting marks a push that could not be routed as requested.
	ErrRouting = errors.New("routing error")

	// ErrRPCServerNotFound is returned for a call no subscription matched.
	ErrRPCServerNotFound = fmt.Errorf("%w: rpc server not found", ErrRouting)

	// ErrPattern marks a subscription mask that does not compile.
	ErrPattern = errors.New("invalid pattern")
)
