package state

import "errors"

// ErrorKind classifies a settlement error for callers and transports.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindConfiguration
	KindValidation
	KindAuthorization
	KindTiming
	KindState
	KindTransfer
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindTiming:
		return "timing"
	case KindState:
		return "state"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// LotError is a sentinel settlement failure. Compare with errors.Is.
type LotError struct {
	Kind ErrorKind
	Code string
}

func (e *LotError) Error() string { return e.Code }

func newError(kind ErrorKind, code string) *LotError {
	return &LotError{Kind: kind, Code: code}
}

// Configuration
var (
	ErrInvalidFeePercentage = newError(KindConfiguration, "InvalidFeePercentage")
	ErrOracleCannotBeZero   = newError(KindConfiguration, "OracleCannotBeZero")
)

// Validation
var (
	ErrSizeMustBePositive  = newError(KindValidation, "SizeMustBePositive")
	ErrStartTimeInPast     = newError(KindValidation, "StartTimeInPast")
	ErrInvalidDuration     = newError(KindValidation, "InvalidDuration")
	ErrAssetNotAccepted    = newError(KindValidation, "AssetNotAccepted")
	ErrEmptyInstrument     = newError(KindValidation, "EmptyInstrument")
	ErrDuplicateInstrument = newError(KindValidation, "DuplicateInstrument")
	ErrEmptyInviteList     = newError(KindValidation, "EmptyInviteList")
	ErrInvalidTokenID      = newError(KindValidation, "InvalidTokenId")
	ErrLotSizeMustBeEqual  = newError(KindValidation, "LotSizeMustBeEqual")
)

// Authorization
var (
	ErrUnauthorized     = newError(KindAuthorization, "Unauthorized")
	ErrNotInvited       = newError(KindAuthorization, "NotInvited")
	ErrRenounceDisabled = newError(KindAuthorization, "RenounceDisabled")
)

// Timing
var (
	ErrTooLateToJoin = newError(KindTiming, "TooLateToJoin")
	ErrTooEarly      = newError(KindTiming, "TooEarly")
)

// State
var (
	ErrInvalidLotID                       = newError(KindState, "InvalidLotId")
	ErrAlreadyResolved                    = newError(KindState, "AlreadyResolved")
	ErrAlreadyWithdrawn                   = newError(KindState, "AlreadyWithdrawn")
	ErrNotPartOfLot                       = newError(KindState, "NotPartOfLot")
	ErrCannotJoinOnBothSides              = newError(KindState, "CannotJoinOnBothSides")
	ErrCannotJoinLotAInChallenge          = newError(KindState, "CannotJoinLotAInChallenge")
	ErrMultipleUsersNotAllowedInChallenge = newError(KindState, "MultipleUsersNotAllowedInChallenge")
	ErrLotNotPrivate                      = newError(KindState, "LotNotPrivate")
	ErrAmountOverflow                     = newError(KindState, "AmountOverflow")
	ErrPaused                             = newError(KindState, "Paused")
	ErrReentrantCall                      = newError(KindState, "ReentrantCall")
	ErrDuplicateRequest                   = newError(KindState, "DuplicateRequest")
)

// Transfer
var (
	ErrTransferError = newError(KindTransfer, "TransferError")
)

// KindOf returns the kind of the first LotError in err's chain.
func KindOf(err error) ErrorKind {
	var le *LotError
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable error code, or "Internal" for foreign errors.
func CodeOf(err error) string {
	var le *LotError
	if errors.As(err, &le) {
		return le.Code
	}
	return "Internal"
}
