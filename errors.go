package corvid

import "fmt"

// Kind identifies the class of failure carried by an [Error].
type Kind int

const (
	KindNone Kind = iota
	KindCorruptRevisionData
	KindNotFound
	KindConflict
	KindNotWriteable
	KindBusy
	KindCrypto
	KindInvalidParameter
	KindTransactionNotClosed
	KindEngineError
	KindProtocolError
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindCorruptRevisionData:
		return "CorruptRevisionData"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindNotWriteable:
		return "NotWriteable"
	case KindBusy:
		return "Busy"
	case KindCrypto:
		return "Crypto"
	case KindInvalidParameter:
		return "InvalidParameter"
	case KindTransactionNotClosed:
		return "TransactionNotClosed"
	case KindEngineError:
		return "EngineError"
	case KindProtocolError:
		return "ProtocolError"
	case KindCanceled:
		return "Canceled"
	default:
		return "None"
	}
}

// Error is corvid's single error type. Every failure surfaced across a
// package boundary is one of these: a [Kind], an optional domain+code pair
// (for errors reported at the external interface, see spec §6), a message,
// and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Domain  string
	Code    int
	Msg     string
	Cause   error
	Payload []byte // offending bytes, if any (truncated in Error())
	Offset  int
}

func newErr(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

func dataErrf(data []byte, off int, cause error, format string, args ...any) error {
	return &Error{
		Kind:    KindCorruptRevisionData,
		Msg:     fmt.Sprintf(format, args...),
		Cause:   cause,
		Payload: data,
		Offset:  off,
	}
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Error() string {
	const prefixLen = 64
	const suffixLen = 32

	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Domain != "" {
		msg = fmt.Sprintf("%s [%s %d]", msg, e.Domain, e.Code)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}

	n := len(e.Payload)
	if n == 0 {
		return msg
	}
	if n <= prefixLen+suffixLen {
		return fmt.Sprintf("%s: (%d bytes) %x", msg, n, e.Payload)
	}
	p, s := e.Payload[:prefixLen], e.Payload[n-suffixLen:]
	return fmt.Sprintf("%s: (%d bytes) %x...%x", msg, n, p, s)
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, corvid.ErrNotFound) style checks against the sentinels
// below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind != KindNone && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons; only Kind is significant on these.
var (
	ErrCorruptRevisionData  = &Error{Kind: KindCorruptRevisionData}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrConflict             = &Error{Kind: KindConflict}
	ErrNotWriteable         = &Error{Kind: KindNotWriteable}
	ErrBusy                 = &Error{Kind: KindBusy}
	ErrCrypto               = &Error{Kind: KindCrypto}
	ErrInvalidParameter     = &Error{Kind: KindInvalidParameter}
	ErrTransactionNotClosed = &Error{Kind: KindTransactionNotClosed}
	ErrProtocol             = &Error{Kind: KindProtocolError}
	ErrCanceled             = &Error{Kind: KindCanceled}
)

func engineErrf(code int, cause error, format string, args ...any) error {
	return &Error{Kind: KindEngineError, Domain: "LiteCore", Code: code, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// wrap builds a new *Error of the sentinel's Kind with a message and cause,
// e.g. ErrCrypto.wrap(err, "decrypting value").
func (e *Error) wrap(cause error, format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}
