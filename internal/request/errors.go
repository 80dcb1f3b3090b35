package request

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a request pipeline failure with an HTTP status and a stable code.
// Errors compare equal under errors.Is when their codes match, so wrapped
// copies still match the exported sentinels.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

var (
	ErrRequestType = &Error{
		Status:  http.StatusBadRequest,
		Code:    "RequestTypeError",
		Message: "The type of request you are making could not be processed. Please ensure that your original image is of a supported file type (jpg, png, tiff, webp) and that your image request is provided in the correct syntax.",
	}
	ErrDecodeRequest = &Error{
		Status:  http.StatusBadRequest,
		Code:    "DecodeRequest::CannotDecodeRequest",
		Message: "The image request you provided could not be decoded. Please check that your request is base64 encoded properly.",
	}
	ErrCannotAccessBucket = &Error{
		Status:  http.StatusForbidden,
		Code:    "ImageBucket::CannotAccessBucket",
		Message: "The bucket you specified could not be accessed. Please check that the bucket is specified in your SOURCE_BUCKETS.",
	}
	ErrCannotFindBucket = &Error{
		Status:  http.StatusNotFound,
		Code:    "ImageBucket::CannotFindBucket",
		Message: "The bucket you specified could not be found. Please check the spelling of the bucket name in your request.",
	}
	ErrParseEdits = &Error{
		Status:  http.StatusBadRequest,
		Code:    "ImageEdits::CannotParseEdits",
		Message: "The edits you provided could not be parsed. Please check the syntax of your request.",
	}
	ErrNoSourceBuckets = &Error{
		Status:  http.StatusBadRequest,
		Code:    "GetAllowedSourceBuckets::NoSourceBuckets",
		Message: "The SOURCE_BUCKETS variable could not be read. Please check that it is not empty and contains at least one source bucket.",
	}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// wrap returns a copy of e carrying cause.
func (e *Error) wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// AsError extracts the pipeline error from err, if there is one.
func AsError(err error) (*Error, bool) {
	var reqErr *Error
	if errors.As(err, &reqErr) {
		return reqErr, true
	}
	return nil, false
}
