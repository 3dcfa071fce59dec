package server

import (
	"errors"

	"LotLedger/internal/state"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errBadRequest marks request decoding failures.
var errBadRequest = errors.New("bad request")

// codeOf maps a settlement error to a gRPC code.
func codeOf(err error) codes.Code {
	if errors.Is(err, errBadRequest) {
		return codes.InvalidArgument
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	switch {
	case errors.Is(err, state.ErrInvalidLotID):
		return codes.NotFound
	case errors.Is(err, state.ErrDuplicateRequest):
		return codes.AlreadyExists
	case errors.Is(err, state.ErrPaused):
		return codes.Unavailable
	}
	switch state.KindOf(err) {
	case state.KindConfiguration, state.KindValidation:
		return codes.InvalidArgument
	case state.KindAuthorization:
		return codes.PermissionDenied
	case state.KindTiming, state.KindState:
		return codes.FailedPrecondition
	case state.KindTransfer:
		return codes.Aborted
	}
	return codes.Internal
}

// toStatus converts an error into a gRPC status error. The stable error code
// leads the message so clients can match on it.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), state.CodeOf(err)+": "+err.Error())
}

// ErrorBody is the JSON error returned by the HTTP gateway.
type ErrorBody struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func errorBody(err error) (int, ErrorBody) {
	code := state.CodeOf(err)
	if errors.Is(err, errBadRequest) {
		code = "BadRequest"
	} else if st, ok := status.FromError(err); ok {
		code = st.Code().String()
	}
	return runtime.HTTPStatusFromCode(codeOf(err)), ErrorBody{
		Error:   code,
		Kind:    state.KindOf(err).String(),
		Message: err.Error(),
	}
}

func errUnimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s is not available", method)
}
