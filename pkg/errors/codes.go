package errors

import "net/http"

// 业务错误码
const (
	CodeInvalidParameter     = 40001
	CodeNotFound             = 40400
	CodeAlreadyAssigned      = 40901
	CodeResponderUnavailable = 40902
	CodeInvalidTransition    = 42201
	CodeCollaboratorFailure  = 50201
	CodeNoEligibleResponders = 50301
)

// 哨兵错误，配合 errors.Is 使用
var (
	ErrInvalidParameter     = &Error{Code: CodeInvalidParameter, Message: "invalid parameter"}
	ErrNotFound             = &Error{Code: CodeNotFound, Message: "not found"}
	ErrAlreadyAssigned      = &Error{Code: CodeAlreadyAssigned, Message: "alert already assigned"}
	ErrResponderUnavailable = &Error{Code: CodeResponderUnavailable, Message: "responder unavailable"}
	ErrInvalidTransition    = &Error{Code: CodeInvalidTransition, Message: "invalid transition"}
	ErrCollaboratorFailure  = &Error{Code: CodeCollaboratorFailure, Message: "collaborator failure"}
	ErrNoEligibleResponders = &Error{Code: CodeNoEligibleResponders, Message: "no eligible responders"}
)

func InvalidParameter(format string, args ...interface{}) *Error {
	return WithCodef(CodeInvalidParameter, format, args...)
}

func NotFound(kind, id string) *Error {
	return WithCodef(CodeNotFound, "%s %s not found", kind, id).WithContext(kind, id)
}

func AlreadyAssigned(alertID, status string) *Error {
	return WithCodef(CodeAlreadyAssigned, "alert %s is %s", alertID, status).WithContext("alert", alertID)
}

func ResponderUnavailable(responderID, reason string) *Error {
	return WithCodef(CodeResponderUnavailable, "responder %s unavailable: %s", responderID, reason).WithContext("responder", responderID)
}

func InvalidTransition(entity, from, action string) *Error {
	return WithCodef(CodeInvalidTransition, "%s: cannot %s from %s", entity, action, from)
}

func CollaboratorFailure(collaborator string, err error) *Error {
	return WrapCode(err, CodeCollaboratorFailure, collaborator+" failed").WithContext("collaborator", collaborator)
}

// HTTPStatus 将业务错误码映射为 HTTP 状态码
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyAssigned, CodeResponderUnavailable:
		return http.StatusConflict
	case CodeInvalidTransition:
		return http.StatusUnprocessableEntity
	case CodeCollaboratorFailure:
		return http.StatusBadGateway
	case CodeNoEligibleResponders:
		return http.StatusServiceUnavailable
	case 0:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}
