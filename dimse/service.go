package dimse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	dicomerrors "github.com/caio-sobreiro/dicomscp/errors"
	"github.com/caio-sobreiro/dicomscp/interfaces"
	"github.com/caio-sobreiro/dicomscp/types"
)

// Reassembly limits. Streamed data sets are not limited.
const (
	// MaxCommandLength bounds a command set across its fragments.
	MaxCommandLength = 64 << 10
	// MaxBufferedDataSetLength bounds a data set handed to a handler
	// that does not stream.
	MaxBufferedDataSetLength = 1 << 20
)

// errHandlerReturned closes the read side of a stream once the handler is
// done with it, so that remaining fragments are discarded.
var errHandlerReturned = errors.New("dimse: handler returned before end of data set")

// PDULayer interface for sending responses
type PDULayer interface {
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error
	GetTransferSyntax(presContextID byte) (string, error)
	AssociationInfo() types.AssociationInfo
}

// Service reassembles DIMSE messages of one association and dispatches
// them to a handler. Fragments must be delivered from a single goroutine.
type Service struct {
	ctx     context.Context
	handler interfaces.ServiceHandler
	logger  *slog.Logger

	commandData   []byte
	datasetData   []byte
	currentMsg    *types.Message
	presContextID byte
	meta          interfaces.MessageContext
	stream        *datasetStream

	busy atomic.Bool
}

type datasetStream struct {
	pw      *io.PipeWriter
	result  chan streamResult
	discard bool
}

type streamResult struct {
	resp *types.Message
	err  error
}

// NewService creates a new DIMSE service with a handler
func NewService(ctx context.Context, handler interfaces.ServiceHandler, logger *slog.Logger) *Service {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ctx:     ctx,
		handler: handler,
		logger:  logger,
	}
}

// Idle reports whether no message is being received or handled.
func (d *Service) Idle() bool {
	return !d.busy.Load()
}

// Close ends a data set stream left open by a broken association and waits
// for its handler to return.
func (d *Service) Close() {
	if d.stream == nil {
		return
	}
	d.stream.pw.CloseWithError(io.ErrUnexpectedEOF)
	res := <-d.stream.result
	if res.err != nil {
		d.logger.Warn("Streaming handler failed after association ended", "error", res.err)
	}
	d.reset()
}

// HandleDIMSEMessage processes DIMSE messages and routes to appropriate service
func (d *Service) HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error {
	d.busy.Store(true)

	isCommand := msgCtrlHeader&0x01 != 0
	isLastFragment := msgCtrlHeader&0x02 != 0

	if isCommand {
		if d.currentMsg != nil {
			return fmt.Errorf("%w: command fragment while data set of message %d is pending",
				dicomerrors.ErrInvalidMessage, d.currentMsg.MessageID)
		}
		if len(d.commandData)+len(data) > MaxCommandLength {
			return fmt.Errorf("%w: command set exceeds %d bytes", dicomerrors.ErrInvalidMessage, MaxCommandLength)
		}
		d.commandData = append(d.commandData, data...)
		if !isLastFragment {
			return nil
		}
		return d.startMessage(presContextID, pduLayer)
	}

	if d.currentMsg == nil || !d.currentMsg.HasDataSet() {
		return fmt.Errorf("%w: data set fragment without a command", dicomerrors.ErrInvalidMessage)
	}
	if presContextID != d.presContextID {
		return fmt.Errorf("%w: data set on presentation context %d, command on %d",
			dicomerrors.ErrInvalidMessage, presContextID, d.presContextID)
	}

	if d.stream != nil {
		d.feedStream(data)
		if !isLastFragment {
			return nil
		}
		d.stream.pw.Close()
		res := <-d.stream.result
		return d.finish(res.resp, nil, res.err, pduLayer)
	}

	if len(d.datasetData)+len(data) > MaxBufferedDataSetLength {
		return fmt.Errorf("%w: data set of message %d exceeds %d bytes",
			dicomerrors.ErrInvalidMessage, d.currentMsg.MessageID, MaxBufferedDataSetLength)
	}
	d.datasetData = append(d.datasetData, data...)
	if !isLastFragment {
		return nil
	}
	resp, respData, err := d.safeHandle(d.currentMsg, d.datasetData)
	return d.finish(resp, respData, err, pduLayer)
}

func (d *Service) startMessage(presContextID byte, pduLayer PDULayer) error {
	msg, err := DecodeCommand(d.commandData)
	d.commandData = nil
	if err != nil {
		return fmt.Errorf("failed to parse DIMSE command: %w", err)
	}

	ts, err := pduLayer.GetTransferSyntax(presContextID)
	if err != nil {
		return err
	}
	msg.TransferSyntaxUID = ts

	d.currentMsg = msg
	d.presContextID = presContextID
	d.meta = interfaces.MessageContext{
		PresentationContextID: presContextID,
		TransferSyntaxUID:     ts,
		Association:           pduLayer.AssociationInfo(),
	}

	d.logger.Debug("Received DIMSE command",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID,
		"context_id", presContextID,
		"has_dataset", msg.HasDataSet())

	if !msg.HasDataSet() {
		resp, respData, err := d.safeHandle(msg, nil)
		return d.finish(resp, respData, err, pduLayer)
	}

	if sh, ok := d.streamingHandlerFor(msg.CommandField); ok {
		pr, pw := io.Pipe()
		stream := &datasetStream{pw: pw, result: make(chan streamResult, 1)}
		d.stream = stream
		go func(msg *types.Message, meta interfaces.MessageContext) {
			resp, err := d.safeStream(sh, msg, pr, meta)
			pr.CloseWithError(errHandlerReturned)
			stream.result <- streamResult{resp: resp, err: err}
		}(msg, d.meta)
	}
	return nil
}

func (d *Service) streamingHandlerFor(commandField uint16) (interfaces.StreamingHandler, bool) {
	sh, ok := d.handler.(interfaces.StreamingHandler)
	if !ok {
		return nil, false
	}
	if router, ok := d.handler.(interfaces.StreamRouter); ok && !router.Streams(commandField) {
		return nil, false
	}
	return sh, true
}

func (d *Service) feedStream(data []byte) {
	if d.stream.discard || len(data) == 0 {
		return
	}
	if _, err := d.stream.pw.Write(data); err != nil {
		d.stream.discard = true
		d.logger.Debug("Discarding remaining data set fragments", "reason", err)
	}
}

func (d *Service) safeHandle(msg *types.Message, data []byte) (resp *types.Message, respData []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.handler.HandleDIMSE(d.ctx, msg, data, d.meta)
}

func (d *Service) safeStream(sh interfaces.StreamingHandler, msg *types.Message, r io.Reader, meta interfaces.MessageContext) (resp *types.Message, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return sh.HandleDIMSEStream(d.ctx, msg, r, meta)
}

// finish sends the response of the current message and resets state. A
// handler error is answered with a processing failure instead of ending
// the association.
func (d *Service) finish(resp *types.Message, respData []byte, handlerErr error, pduLayer PDULayer) error {
	req := d.currentMsg
	presContextID := d.presContextID
	d.reset()
	defer d.busy.Store(false)

	if handlerErr != nil || resp == nil {
		if handlerErr == nil {
			handlerErr = errors.New("handler returned no response")
		}
		d.logger.Error("Service handler failed",
			"command_field", fmt.Sprintf("0x%04x", req.CommandField),
			"message_id", req.MessageID,
			"error", handlerErr)
		resp = &types.Message{
			CommandField:              types.ResponseCommandFor(req.CommandField),
			MessageIDBeingRespondedTo: req.MessageID,
			AffectedSOPClassUID:       req.AffectedSOPClassUID,
			AffectedSOPInstanceUID:    req.AffectedSOPInstanceUID,
			CommandDataSetType:        types.NoDataSet,
			Status:                    types.StatusProcessingFailure,
			ErrorComment:              handlerErr.Error(),
		}
		respData = nil
	}

	if len(respData) == 0 {
		resp.CommandDataSetType = types.NoDataSet
	} else {
		resp.CommandDataSetType = types.DataSetPresent
	}

	commandData, err := EncodeCommand(resp)
	if err != nil {
		return err
	}
	if err := pduLayer.SendDIMSEResponseWithDataset(presContextID, commandData, respData); err != nil {
		return fmt.Errorf("failed to send DIMSE response: %w", err)
	}

	d.logger.Debug("Sent DIMSE response",
		"command_field", fmt.Sprintf("0x%04x", resp.CommandField),
		"message_id_responded", resp.MessageIDBeingRespondedTo,
		"status", fmt.Sprintf("0x%04x", resp.Status))
	return nil
}

func (d *Service) reset() {
	d.commandData = nil
	d.datasetData = nil
	d.currentMsg = nil
	d.stream = nil
	d.meta = interfaces.MessageContext{}
}
