package protocol

import (
	"bytes"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// Class tells the caller what a remote error means for the step that hit it.
type Class int

const (
	// ClassFatal aborts the step.
	ClassFatal Class = iota
	// ClassTransient is expected to clear on its own; retry after a delay.
	ClassTransient
	// ClassAlreadySatisfied means the step was completed by an earlier run.
	ClassAlreadySatisfied
)

func (c Class) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassTransient:
		return "transient"
	case ClassAlreadySatisfied:
		return "already_satisfied"
	default:
		return "unknown"
	}
}

// ErrorCode is one classified remote error. A code matches either by custom
// error selector in the revert data or by revert reason.
type ErrorCode struct {
	Name      string
	Signature string
	Reason    string
	Class     Class
	selector  []byte
}

func customError(signature string, class Class) ErrorCode {
	name := signature
	if i := strings.IndexByte(signature, '('); i > 0 {
		name = signature[:i]
	}
	return ErrorCode{
		Name:      name,
		Signature: signature,
		Class:     class,
		selector:  crypto.Keccak256([]byte(signature))[:4],
	}
}

func revertReason(name, reason string, class Class) ErrorCode {
	return ErrorCode{Name: name, Reason: strings.ToLower(reason), Class: class}
}

// ErrorCodes is the complete table of remote errors the keeper interprets.
// Anything not listed is fatal.
var ErrorCodes = []ErrorCode{
	customError("UserAlreadyInitialized()", ClassAlreadySatisfied),
	customError("UserAccountExists(address,uint16)", ClassAlreadySatisfied),
	revertReason("UserAlreadyInitializedReason", "user already initialized", ClassAlreadySatisfied),

	customError("UserNotFound()", ClassTransient),
	customError("UserAccountNotInitialized(address,uint16)", ClassTransient),
	revertReason("UserNotFoundReason", "user not found", ClassTransient),
}

var (
	// ErrUserNotCached is returned by Deposit while the freshly initialized
	// user record has not propagated to the node the client reads from.
	ErrUserNotCached = errors.New("protocol: user record not yet visible")
	ErrNotSubscribed = errors.New("protocol: client not subscribed")
	ErrUnknownMarket = errors.New("protocol: unknown market")
)

var errorStringSelector = crypto.Keccak256([]byte("Error(string)"))[:4]

// Classify maps err onto the error-code table.
func Classify(err error) Class {
	if code, ok := Lookup(err); ok {
		return code.Class
	}
	return ClassFatal
}

// Lookup returns the table entry err matches, if any.
func Lookup(err error) (ErrorCode, bool) {
	if err == nil {
		return ErrorCode{}, false
	}
	if errors.Is(err, ErrUserNotCached) {
		return ErrorCode{Name: "UserNotCached", Class: ClassTransient}, true
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data := revertData(dataErr.ErrorData()); len(data) >= 4 {
			if bytes.Equal(data[:4], errorStringSelector) {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					if code, ok := matchReason(reason); ok {
						return code, true
					}
				}
			}
			for _, code := range ErrorCodes {
				if code.selector != nil && bytes.Equal(data[:4], code.selector) {
					return code, true
				}
			}
		}
	}

	return matchReason(err.Error())
}

func matchReason(msg string) (ErrorCode, bool) {
	msg = strings.ToLower(msg)
	for _, code := range ErrorCodes {
		if code.Reason != "" && strings.Contains(msg, code.Reason) {
			return code, true
		}
	}
	return ErrorCode{}, false
}

func revertData(v interface{}) []byte {
	switch d := v.(type) {
	case string:
		b, err := hexutil.Decode(d)
		if err != nil {
			return nil
		}
		return b
	case []byte:
		return d
	case hexutil.Bytes:
		return d
	default:
		return nil
	}
}
