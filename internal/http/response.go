package http

import (
	"btreekv/pkg/btree"
	"btreekv/pkg/types"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status  Status         `json:"status,omitempty"`
	Value   string         `json:"value,omitempty"`
	Error   string         `json:"error,omitempty"`
	Result  string         `json:"result,omitempty"`
	Counter *uint64        `json:"counter,omitempty"`
	CasTime *types.CasTime `json:"cas_time,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(item types.Item) Response {
	return Response{Status: StatusSuccess, Value: string(item.Value), CasTime: &item.CasTime}
}

func NewSetResponse(ct types.CasTime) Response {
	return Response{Status: StatusSuccess, CasTime: &ct}
}

// NewIncrDecrResponse reports the outcome of incr/decr. Only a successful
// operation carries the counter and its CasTime.
func NewIncrDecrResponse(res btree.IncrDecrResult) Response {
	if res.Status != btree.IncrDecrSuccess {
		return Response{Status: StatusError, Result: res.Status.String(), Error: incrDecrErrors[res.Status]}
	}
	return Response{
		Status:  StatusSuccess,
		Result:  res.Status.String(),
		Counter: &res.Value,
		CasTime: &res.CasTime,
	}
}

var incrDecrErrors = map[btree.IncrDecrStatus]string{
	btree.IncrDecrNotFound:   "Key not found",
	btree.IncrDecrNotANumber: "Value is not an unsigned decimal number",
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
