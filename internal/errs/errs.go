// Package errs carries the numeric result-code taxonomy used throughout the
// ratchet core in place of exceptions, mirroring how the original SilentCircle
// source returns int32 codes from every crypto and session operation.
package errs

import "fmt"

// Code is a result code. Zero and positive values are success states;
// negative values are failures, grouped by the ranges below.
type Code int

const (
	Success Code = 0
	OK      Code = 1

	GenericError             Code = -10
	VersionNotSupported       Code = -11
	BufferTooSmall            Code = -12
	NotDecryptable            Code = -13
	NoOwnID                   Code = -14
	JSFieldMissing            Code = -15
	NoDevsFound               Code = -16
	NoPreKeyFound             Code = -17
	NoSessionUser             Code = -18
	SessionNotInited          Code = -19
	OldMessage                Code = -20
	CorruptData               Code = -21
	AxoConvExists             Code = -22
	MacCheckFailed            Code = -23
	MsgPaddingFailed          Code = -24
	SupPaddingFailed          Code = -25
	NoStagedKeys              Code = -26
	ReceiveIDWrong            Code = -27
	SenderIDWrong             Code = -28
	RecvDataLength            Code = -29
	WrongRecvDevID            Code = -30
	NetworkError              Code = -31
	FutureMessage             Code = -32
	AuthFailed                Code = -33

	NoSuchCurve        Code = -100
	KeyTypeMismatch    Code = -101
	IdentityKeyTypeMismatch Code = -200
	WrongBlkSize       Code = -300
	UnsupportedKeySize Code = -301
)

var names = map[Code]string{
	Success:                 "SUCCESS",
	OK:                      "OK",
	GenericError:            "GENERIC_ERROR",
	VersionNotSupported:     "VERSION_NOT_SUPPORTED",
	BufferTooSmall:          "BUFFER_TOO_SMALL",
	NotDecryptable:          "NOT_DECRYPTABLE",
	NoOwnID:                 "NO_OWN_ID",
	JSFieldMissing:          "JS_FIELD_MISSING",
	NoDevsFound:             "NO_DEVS_FOUND",
	NoPreKeyFound:           "NO_PRE_KEY_FOUND",
	NoSessionUser:           "NO_SESSION_USER",
	SessionNotInited:        "SESSION_NOT_INITED",
	OldMessage:              "OLD_MESSAGE",
	CorruptData:             "CORRUPT_DATA",
	AxoConvExists:           "AXO_CONV_EXISTS",
	MacCheckFailed:          "MAC_CHECK_FAILED",
	MsgPaddingFailed:        "MSG_PADDING_FAILED",
	SupPaddingFailed:        "SUP_PADDING_FAILED",
	NoStagedKeys:            "NO_STAGED_KEYS",
	ReceiveIDWrong:          "RECEIVE_ID_WRONG",
	SenderIDWrong:           "SENDER_ID_WRONG",
	RecvDataLength:          "RECV_DATA_LENGTH",
	WrongRecvDevID:          "WRONG_RECV_DEV_ID",
	NetworkError:            "NETWORK_ERROR",
	FutureMessage:           "FUTURE_MESSAGE",
	AuthFailed:              "AUTH_FAILED",
	NoSuchCurve:             "NO_SUCH_CURVE",
	KeyTypeMismatch:         "KEY_TYPE_MISMATCH",
	IdentityKeyTypeMismatch: "IDENTITY_KEY_TYPE_MISMATCH",
	WrongBlkSize:            "WRONG_BLK_SIZE",
	UnsupportedKeySize:      "UNSUPPORTED_KEY_SIZE",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// IsSuccess reports whether c represents SUCCESS or OK.
func (c Code) IsSuccess() bool { return c == Success || c == OK }

// RatchetError wraps a Code with contextual detail. Every fallible core
// operation returns one of these instead of a bare error, so the diagnostic
// code survives across package boundaries and into Conversation.ErrorCode.
type RatchetError struct {
	Code   Code
	Detail string
	Err    error
}

func New(code Code, detail string) *RatchetError {
	return &RatchetError{Code: code, Detail: detail}
}

func Wrap(code Code, detail string, err error) *RatchetError {
	return &RatchetError{Code: code, Detail: detail, Err: err}
}

func (e *RatchetError) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *RatchetError) Unwrap() error { return e.Err }

// CodeOf extracts the Code carried by err, or GenericError if err does not
// carry one.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var re *RatchetError
	if ok := asRatchetError(err, &re); ok {
		return re.Code
	}
	return GenericError
}

func asRatchetError(err error, target **RatchetError) bool {
	for err != nil {
		if re, ok := err.(*RatchetError); ok {
			*target = re
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
