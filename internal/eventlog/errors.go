package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
)

var (
	ErrUnavailable  = errors.New("log unavailable")
	ErrTooLarge     = errors.New("payload too large")
	ErrUnauthorized = errors.New("not authorized to write to log")
	ErrEncoding     = errors.New("cannot encode message")
)

// ErrorKind classifies a delivery failure.
type ErrorKind string

const (
	KindTimeout      ErrorKind = "timeout"
	KindUnavailable  ErrorKind = "unavailable"
	KindTransport    ErrorKind = "transport"
	KindEncoding     ErrorKind = "encoding"
	KindTooLarge     ErrorKind = "too_large"
	KindUnauthorized ErrorKind = "unauthorized"
	KindBackpressure ErrorKind = "backpressure"
	KindAbandoned    ErrorKind = "abandoned"
	KindUnknown      ErrorKind = "unknown"
)

// Retriable reports whether another attempt may succeed.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindTimeout, KindUnavailable, KindTransport:
		return true
	}
	return false
}

// Ambiguous reports whether a failed Append of this kind may still have
// written the message.
func (k ErrorKind) Ambiguous() bool {
	return k == KindTimeout || k == KindTransport
}

// Classify maps an Append error to its kind. Errors it does not recognise
// are KindUnknown and terminal.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrTooLarge):
		return KindTooLarge
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrEncoding):
		return KindEncoding
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return KindUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return classifyKafka(kerr)
	}

	var jerr *json.UnsupportedValueError
	var jtyp *json.UnsupportedTypeError
	if errors.As(err, &jerr) || errors.As(err, &jtyp) {
		return KindEncoding
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return KindTimeout
		}
		return KindTransport
	}
	return KindUnknown
}

func classifyKafka(kerr kafka.Error) ErrorKind {
	switch kerr {
	case kafka.MessageSizeTooLarge, kafka.RecordListTooLarge:
		return KindTooLarge
	case kafka.TopicAuthorizationFailed, kafka.ClusterAuthorizationFailed,
		kafka.TransactionalIDAuthorizationFailed, kafka.SASLAuthenticationFailed:
		return KindUnauthorized
	case kafka.InvalidMessage, kafka.InvalidRecord:
		return KindEncoding
	case kafka.RequestTimedOut:
		return KindTimeout
	}
	if kerr.Timeout() {
		return KindTimeout
	}
	if kerr.Temporary() {
		return KindUnavailable
	}
	return KindUnknown
}
