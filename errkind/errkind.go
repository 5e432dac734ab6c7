// Package errkind classifies indexer errors into the handful of kinds
// callers actually need to branch on: is this worth retrying
// (Connectivity), is the node lying to us (Protocol), is our own database
// broken (Corruption), did our invariants get violated (Consistency), is
// the caller's request bad (Client), or are we out of some resource
// (Resource). Each kind is a distinct string type satisfying errors.Is
// against its own sentinel, the way database.NotFoundError does.
package errkind

import "fmt"

type ConnectivityError string

func (e ConnectivityError) Error() string { return string(e) }

func (e ConnectivityError) Is(target error) bool {
	_, ok := target.(ConnectivityError)
	return ok
}

type ProtocolError string

func (e ProtocolError) Error() string { return string(e) }

func (e ProtocolError) Is(target error) bool {
	_, ok := target.(ProtocolError)
	return ok
}

type CorruptionError string

func (e CorruptionError) Error() string { return string(e) }

func (e CorruptionError) Is(target error) bool {
	_, ok := target.(CorruptionError)
	return ok
}

type ConsistencyError string

func (e ConsistencyError) Error() string { return string(e) }

func (e ConsistencyError) Is(target error) bool {
	_, ok := target.(ConsistencyError)
	return ok
}

type ClientError string

func (e ClientError) Error() string { return string(e) }

func (e ClientError) Is(target error) bool {
	_, ok := target.(ClientError)
	return ok
}

type ResourceError string

func (e ResourceError) Error() string { return string(e) }

func (e ResourceError) Is(target error) bool {
	_, ok := target.(ResourceError)
	return ok
}

var (
	ErrConnectivity = ConnectivityError("connectivity")
	ErrProtocol     = ProtocolError("protocol")
	ErrCorruption   = CorruptionError("corruption")
	ErrConsistency  = ConsistencyError("consistency")
	ErrClient       = ClientError("client")
	ErrResource     = ResourceError("resource")
)

// Connectivityf builds a ConnectivityError with a formatted message,
// mirroring the sentinel+formatted-variant pairing the rest of the
// codebase uses for fmt.Errorf("%w: ...").
func Connectivityf(format string, args ...any) error {
	return ConnectivityError(fmt.Sprintf(format, args...))
}

func Protocolf(format string, args ...any) error {
	return ProtocolError(fmt.Sprintf(format, args...))
}

func Corruptionf(format string, args ...any) error {
	return CorruptionError(fmt.Sprintf(format, args...))
}

func Consistencyf(format string, args ...any) error {
	return ConsistencyError(fmt.Sprintf(format, args...))
}

func Clientf(format string, args ...any) error {
	return ClientError(fmt.Sprintf(format, args...))
}

func Resourcef(format string, args ...any) error {
	return ResourceError(fmt.Sprintf(format, args...))
}
