package courier

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/courier/pkg/wire"
)

var (
	ErrResourceLimit    = errors.New("registry: resource limit reached")
	ErrDuplicateID      = errors.New("registry: resource id already exists")
	ErrResourceNotFound = errors.New("registry: resource does not exist")
	ErrInvalidID        = errors.New("registry: resource id is empty")

	ErrInvalidCfg         = errors.New("node: invalid options")
	ErrNodeClosed         = errors.New("node: shutting down")
	ErrNoSource           = errors.New("channel: envelope has no reply channel")
	ErrTypeMismatch       = errors.New("channel: unexpected message type")
	ErrConcurrentSyncSend = errors.New("channel: a synchronous send is already in flight")
	ErrJoinStarted        = errors.New("channel: future join already dispatched")
	ErrNotAcknowledged    = errors.New("channel: peer never acknowledged the envelope")
	ErrQueueClosed        = errors.New("queue: closed")

	ErrGossipDisabled = errors.New("gossip: not enabled on this node")
	ErrJoinCluster    = errors.New("gossip: could not join cluster")
	ErrUnknownNode    = errors.New("gossip: node is not known")

	ErrHostnameResolve = errors.New("transport: could not resolve hostname from certificate")
	ErrInvalidAddr     = errors.New("transport: the address you provided is invalid")
	ErrNoTLSConfig     = errors.New("transport: TlsConfig is required")
	ErrShutdown        = errors.New("transport: shutting down")
	ErrTooLargeFrame   = errors.New("transport: frame was too large could not send")
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// DeliveryError reports a message that could not be delivered to a remote
// node, either because the transport failed or because the peer answered
// with a fault record.
type DeliveryError struct {
	Code      wire.FaultCode
	Endpoint  string
	MessageID int32
	Err       error
}

func (derr *DeliveryError) Error() string {
	if derr.Err != nil {
		return fmt.Sprintf("delivery to %s failed (%s, message %d): %s", derr.Endpoint, derr.Code, derr.MessageID, derr.Err)
	}
	return fmt.Sprintf("delivery to %s failed (%s, message %d)", derr.Endpoint, derr.Code, derr.MessageID)
}

func (derr *DeliveryError) Unwrap() error {
	return derr.Err
}
