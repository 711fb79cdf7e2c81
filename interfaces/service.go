// Package interfaces contains all service and handler interfaces
package interfaces

import (
	"context"
	"io"

	"github.com/caio-sobreiro/dicomscp/types"
)

// MessageContext describes where a DIMSE message arrived.
type MessageContext struct {
	PresentationContextID byte
	TransferSyntaxUID     string
	Association           types.AssociationInfo
}

// ServiceHandler interface for handling DIMSE operations
type ServiceHandler interface {
	HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta MessageContext) (*types.Message, []byte, error)
}

// StreamingHandler receives the data set of a request as it arrives
// instead of after the last fragment. The reader returns io.EOF after the
// last fragment and io.ErrUnexpectedEOF if the association ends first.
// Whatever the handler leaves unread is discarded.
type StreamingHandler interface {
	ServiceHandler
	HandleDIMSEStream(ctx context.Context, msg *types.Message, data io.Reader, meta MessageContext) (*types.Message, error)
}

// StreamRouter lets a StreamingHandler choose per command whether the
// data set is streamed.
type StreamRouter interface {
	Streams(commandField uint16) bool
}
