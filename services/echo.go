// Package services provides the DICOM services registered on each
// Application Entity of a receiver: C-ECHO verification and the C-STORE
// handler that feeds the import pipeline.
package services

import (
	"context"
	"log/slog"

	"github.com/caio-sobreiro/dicomscp/interfaces"
	"github.com/caio-sobreiro/dicomscp/types"
)

// EchoService handles C-ECHO verification requests.
//
// C-ECHO is used to verify connectivity and application-level communication
// between two DICOM Application Entities (AEs). It's the DICOM equivalent
// of a "ping" operation.
type EchoService struct {
	logger *slog.Logger
}

// NewEchoService creates a new C-ECHO service instance.
func NewEchoService(logger *slog.Logger) *EchoService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EchoService{logger: logger}
}

// HandleDIMSE processes a C-ECHO request and returns a success response.
//
// According to DICOM standard PS3.4, C-ECHO has no dataset and simply
// returns a status indicating whether the AE is operational.
func (s *EchoService) HandleDIMSE(ctx context.Context, msg *types.Message, _ []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
	s.logger.DebugContext(ctx, "C-ECHO request",
		"message_id", msg.MessageID,
		"calling_ae", meta.Association.CallingAETitle,
		"called_ae", meta.Association.CalledAETitle)

	return NewCEchoResponse(msg, types.StatusSuccess), nil, nil
}
