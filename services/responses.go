package services

import (
	"github.com/caio-sobreiro/dicomscp/types"
)

// ResponseBuilder provides convenient methods for creating standard DIMSE response messages.
//
// These builders ensure that response messages are properly formatted according to the
// DICOM standard and include all required fields.
type ResponseBuilder struct {
	request *types.Message
}

// NewResponseBuilder creates a new response builder for the given request message.
//
// The builder will automatically populate common fields like MessageIDBeingRespondedTo
// from the request.
func NewResponseBuilder(request *types.Message) *ResponseBuilder {
	return &ResponseBuilder{request: request}
}

// CEchoResponse creates a C-ECHO-RSP message.
func (b *ResponseBuilder) CEchoResponse(status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.CEchoRSP,
		MessageIDBeingRespondedTo: b.request.MessageID,
		AffectedSOPClassUID:       types.VerificationSOPClass,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
}

// CStoreResponse creates a C-STORE-RSP message with no data set.
//
// Affected SOP Class and Instance UIDs are optional in a C-STORE-RSP;
// includeUIDs copies them from the request.
func (b *ResponseBuilder) CStoreResponse(status uint16, includeUIDs bool) *types.Message {
	resp := &types.Message{
		CommandField:              types.CStoreRSP,
		MessageIDBeingRespondedTo: b.request.MessageID,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
	if includeUIDs {
		resp.AffectedSOPClassUID = b.request.AffectedSOPClassUID
		resp.AffectedSOPInstanceUID = b.request.AffectedSOPInstanceUID
	}
	return resp
}

// NewCEchoResponse creates a C-ECHO-RSP message from a request.
func NewCEchoResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).CEchoResponse(status)
}

// NewCStoreResponse creates a C-STORE-RSP message.
func NewCStoreResponse(request *types.Message, status uint16, includeUIDs bool) *types.Message {
	return NewResponseBuilder(request).CStoreResponse(status, includeUIDs)
}

// SetErrorComment sets Error Comment (0000,0902), cut to the LO limit.
func SetErrorComment(resp *types.Message, comment string) {
	resp.ErrorComment = types.TruncateErrorComment(comment)
}

// CreateErrorResponse creates a standard DIMSE error response message.
//
// The response will have the appropriate response command field, the
// message ID being responded to, and the specified status code.
func CreateErrorResponse(req *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.ResponseCommandFor(req.CommandField),
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		CommandDataSetType:        types.NoDataSet,
		Status:                    status,
	}
}
