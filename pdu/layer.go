package pdu

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	dicomerrors "github.com/caio-sobreiro/dicomscp/errors"
	"github.com/caio-sobreiro/dicomscp/types"
)

// Abort sources and reasons (PS3.8 9.3.8).
const (
	AbortSourceServiceUser     byte = 0x00
	AbortSourceServiceProvider byte = 0x02

	AbortReasonNotSpecified     byte = 0x00
	AbortReasonUnexpectedPDU    byte = 0x02
	AbortReasonInvalidParameter byte = 0x06
)

// DIMSEHandler receives the PDV fragments of an established association.
type DIMSEHandler interface {
	HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer *Layer) error
	// Idle reports whether no message is partially received or being handled.
	Idle() bool
	// Close releases the handler once the association has ended.
	Close()
}

// Acceptance is what an Acceptor grants to an association request.
type Acceptance struct {
	// Capabilities maps abstract syntax UID to the accepted transfer syntaxes.
	Capabilities map[string][]string
	Handler      DIMSEHandler
}

// Acceptor decides whether an association is accepted. Returning an
// *errors.AssociationError rejects it with that source and reason; any
// other error rejects it with no reason given.
type Acceptor interface {
	Accept(req *AssociateRequest, remote net.Addr) (*Acceptance, error)
}

// AcceptorFunc adapts a function to the Acceptor interface.
type AcceptorFunc func(req *AssociateRequest, remote net.Addr) (*Acceptance, error)

// Accept calls f.
func (f AcceptorFunc) Accept(req *AssociateRequest, remote net.Addr) (*Acceptance, error) {
	return f(req, remote)
}

// AssociationContext holds association state
type AssociationContext struct {
	CalledAETitle    string
	CallingAETitle   string
	MaxPDULength     uint32
	PresentationCtxs map[byte]*PresentationContext
}

// Option configures a Layer.
type Option func(*Layer)

// WithNegotiationTimeout bounds the time between connect and the
// association response.
func WithNegotiationTimeout(timeout time.Duration) Option {
	return func(p *Layer) {
		p.negotiationTimeout = timeout
	}
}

// WithAssociationID tags the layer with an identifier passed to services.
func WithAssociationID(id string) Option {
	return func(p *Layer) {
		p.associationID = id
	}
}

// WithLocalPort records the port the association was accepted on.
func WithLocalPort(port int) Option {
	return func(p *Layer) {
		p.localPort = port
	}
}

// Layer handles the DICOM Upper Layer Protocol for one connection
type Layer struct {
	conn               net.Conn
	acceptor           Acceptor
	logger             *slog.Logger
	negotiationTimeout time.Duration
	associationID      string
	localPort          int

	associationCtx *AssociationContext
	dimseHandler   DIMSEHandler

	writeMu   sync.Mutex
	stateMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
}

// NewLayer creates a new PDU layer handler. The logger is used as is and
// should already identify the connection.
func NewLayer(conn net.Conn, acceptor Acceptor, logger *slog.Logger, opts ...Option) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Layer{
		conn:     conn,
		acceptor: acceptor,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Negotiate reads the A-ASSOCIATE-RQ and answers it with an AC or RJ. On
// any error the connection is left to the caller to close.
func (p *Layer) Negotiate() error {
	if p.negotiationTimeout > 0 {
		if err := p.conn.SetDeadline(time.Now().Add(p.negotiationTimeout)); err != nil {
			p.logger.Warn("Failed to set negotiation deadline", "error", err)
		}
		defer func() { _ = p.conn.SetDeadline(time.Time{}) }()
	}

	rq, err := ReadPDU(p.conn)
	if err != nil {
		return dicomerrors.NewNetworkError("read association request", err)
	}
	if rq.Type != types.TypeAssociateRQ {
		p.sendAbort(AbortReasonUnexpectedPDU)
		return dicomerrors.NewPDUError(rq.Type, "expected A-ASSOCIATE-RQ")
	}

	req, err := ParseAssociateRequest(rq.Data)
	if err != nil {
		p.sendAbort(AbortReasonInvalidParameter)
		return err
	}

	p.logger.Info("Association requested",
		"calling_ae", req.CallingAETitle,
		"called_ae", req.CalledAETitle,
		"proposed_contexts", len(req.PresentationContexts))

	if req.ApplicationContext != types.ApplicationContextUID {
		return p.reject(dicomerrors.NewAssociationError(
			dicomerrors.RejectSourceServiceUser,
			dicomerrors.RejectReasonApplicationContextNotSupported,
			fmt.Sprintf("unsupported application context %q", req.ApplicationContext)))
	}

	acceptance, err := p.acceptor.Accept(req, p.conn.RemoteAddr())
	if err != nil {
		var assocErr *dicomerrors.AssociationError
		if !errors.As(err, &assocErr) {
			assocErr = dicomerrors.NewAssociationError(
				dicomerrors.RejectSourceServiceUser,
				dicomerrors.RejectReasonNoReasonGiven,
				err.Error())
		}
		return p.reject(assocErr)
	}

	contexts := Negotiate(req.PresentationContexts, acceptance.Capabilities)
	assoc := &AssociationContext{
		CalledAETitle:    req.CalledAETitle,
		CallingAETitle:   req.CallingAETitle,
		MaxPDULength:     req.MaxPDULength,
		PresentationCtxs: make(map[byte]*PresentationContext, len(contexts)),
	}

	accepted := 0
	for i := range contexts {
		pc := contexts[i]
		assoc.PresentationCtxs[pc.ID] = &pc
		if pc.Result == PresentationAcceptance {
			accepted++
		}
		p.logger.Debug("Presentation context negotiated",
			"context_id", pc.ID,
			"abstract_syntax", pc.AbstractSyntax,
			"transfer_syntax", pc.TransferSyntax,
			"result", pc.Result)
	}

	ac := EncodeAssociateAC(&AssociateAccept{
		CalledAETitle:        req.CalledAETitle,
		CallingAETitle:       req.CallingAETitle,
		PresentationContexts: contexts,
		MaxPDULength:         types.DefaultMaxPDULength,
	})
	if err := p.write(ac); err != nil {
		if acceptance.Handler != nil {
			acceptance.Handler.Close()
		}
		return dicomerrors.NewNetworkError("send A-ASSOCIATE-AC", err)
	}

	p.stateMu.Lock()
	p.associationCtx = assoc
	p.dimseHandler = acceptance.Handler
	p.stateMu.Unlock()

	p.logger.Info("Association accepted",
		"calling_ae", req.CallingAETitle,
		"called_ae", req.CalledAETitle,
		"accepted_contexts", accepted,
		"peer_max_pdu", req.MaxPDULength)
	return nil
}

func (p *Layer) reject(assocErr *dicomerrors.AssociationError) error {
	p.logger.Warn("Association rejected",
		"source", assocErr.Source,
		"reason", assocErr.Reason,
		"detail", assocErr.Msg)
	if err := p.write(EncodeAssociateRJ(assocErr.Source, assocErr.Reason)); err != nil {
		p.logger.Debug("Failed to send A-ASSOCIATE-RJ", "error", err)
	}
	return assocErr
}

// Serve runs the data transfer phase until release, abort, connection loss
// or Shutdown. The connection and handler are closed on return.
func (p *Layer) Serve() error {
	if p.associationCtx == nil || p.dimseHandler == nil {
		p.closeConn()
		return errors.New("pdu: Serve called before a successful Negotiate")
	}
	defer p.closeConn()
	defer p.dimseHandler.Close()

	for {
		pdu, err := ReadPDU(p.conn)
		if err != nil {
			if p.closing.Load() {
				p.logger.Debug("Association closed on shutdown")
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				p.logger.Info("Connection closed by peer")
				return nil
			}
			var pduErr *dicomerrors.PDUError
			if errors.As(err, &pduErr) {
				p.sendAbort(AbortReasonInvalidParameter)
				return err
			}
			return dicomerrors.NewNetworkError("read PDU", err)
		}

		done, err := p.handlePDU(pdu)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if p.closing.Load() && p.dimseHandler.Idle() {
			p.logger.Debug("Closing idle association on shutdown")
			return nil
		}
	}
}

// handlePDU routes PDUs to appropriate handlers. done reports the normal
// end of the association.
func (p *Layer) handlePDU(pdu *PDU) (bool, error) {
	switch pdu.Type {
	case types.TypePDataTF:
		return false, p.handlePDataTF(pdu)
	case types.TypeReleaseRQ:
		p.logger.Debug("Received A-RELEASE-RQ")
		if err := p.write(EncodeReleaseRP()); err != nil {
			return true, dicomerrors.NewNetworkError("send A-RELEASE-RP", err)
		}
		return true, nil
	case types.TypeAbort:
		abort := dicomerrors.NewAbortError(0, 0)
		if len(pdu.Data) >= 4 {
			abort = dicomerrors.NewAbortError(pdu.Data[2], pdu.Data[3])
		}
		p.logger.Info("Received A-ABORT", "detail", abort.Error())
		return true, nil
	default:
		p.logger.Warn("Unexpected PDU type", "type", fmt.Sprintf("0x%02x", pdu.Type))
		p.sendAbort(AbortReasonUnexpectedPDU)
		return true, dicomerrors.NewPDUError(pdu.Type, "unexpected PDU during data transfer")
	}
}

// handlePDataTF forwards every PDV of a P-DATA-TF to the DIMSE handler.
func (p *Layer) handlePDataTF(pdu *PDU) error {
	pdvs, err := ParsePDataTF(pdu.Data)
	if err != nil {
		p.sendAbort(AbortReasonInvalidParameter)
		return err
	}

	for _, pdv := range pdvs {
		pc, ok := p.associationCtx.PresentationCtxs[pdv.PresentationContextID]
		if !ok || pc.Result != PresentationAcceptance {
			p.sendAbort(AbortReasonInvalidParameter)
			return dicomerrors.NewPDUError(types.TypePDataTF,
				fmt.Sprintf("presentation context %d was not accepted", pdv.PresentationContextID))
		}
		if err := p.dimseHandler.HandleDIMSEMessage(pdv.PresentationContextID, pdv.MessageControlHeader, pdv.Data, p); err != nil {
			p.sendAbort(AbortReasonNotSpecified)
			return fmt.Errorf("error handling DIMSE message: %w", err)
		}
	}
	return nil
}

// Shutdown asks the association to end. An idle association is closed at
// once; otherwise it closes after the response of the message in flight.
func (p *Layer) Shutdown() {
	p.closing.Store(true)
	p.stateMu.Lock()
	handler := p.dimseHandler
	p.stateMu.Unlock()
	if handler == nil || handler.Idle() {
		p.closeConn()
	}
}

// Close tears the connection down immediately.
func (p *Layer) Close() {
	p.closing.Store(true)
	p.closeConn()
}

func (p *Layer) closeConn() {
	p.closeOnce.Do(func() {
		if err := p.conn.Close(); err != nil {
			p.logger.Debug("Error closing connection", "error", err)
		}
	})
}

func (p *Layer) sendAbort(reason byte) {
	if err := p.write(EncodeAbort(AbortSourceServiceProvider, reason)); err != nil {
		p.logger.Debug("Failed to send A-ABORT", "error", err)
	}
}

func (p *Layer) write(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.conn.Write(b)
	return err
}

// SendDIMSEResponse sends a DIMSE response via P-DATA-TF
func (p *Layer) SendDIMSEResponse(presContextID byte, commandData []byte) error {
	return p.SendDIMSEResponseWithDataset(presContextID, commandData, nil)
}

// SendDIMSEResponseWithDataset sends a DIMSE response with optional dataset
// via P-DATA-TF, fragmented to the peer's maximum PDU length.
func (p *Layer) SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error {
	var maxPDU uint32
	if p.associationCtx != nil {
		maxPDU = p.associationCtx.MaxPDULength
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := WritePData(p.conn, presContextID, maxPDU, commandData, true); err != nil {
		return dicomerrors.NewNetworkError("send DIMSE command", err)
	}
	if len(datasetData) > 0 {
		if err := WritePData(p.conn, presContextID, maxPDU, datasetData, false); err != nil {
			return dicomerrors.NewNetworkError("send DIMSE data set", err)
		}
	}
	return nil
}

// GetTransferSyntax returns the negotiated transfer syntax for the given presentation context.
func (p *Layer) GetTransferSyntax(presContextID byte) (string, error) {
	if p.associationCtx == nil {
		return "", fmt.Errorf("association context not initialized")
	}

	ctx, ok := p.associationCtx.PresentationCtxs[presContextID]
	if !ok {
		return "", fmt.Errorf("presentation context %d not found", presContextID)
	}

	if ctx.TransferSyntax == "" {
		return "", fmt.Errorf("no transfer syntax negotiated for presentation context %d", presContextID)
	}

	return ctx.TransferSyntax, nil
}

// AssociationInfo describes the association to services.
func (p *Layer) AssociationInfo() types.AssociationInfo {
	info := types.AssociationInfo{
		ID:        p.associationID,
		LocalPort: p.localPort,
	}
	if addr := p.conn.RemoteAddr(); addr != nil {
		info.RemoteAddr = addr.String()
		if host, _, err := net.SplitHostPort(info.RemoteAddr); err == nil {
			info.RemoteHost = host
		} else {
			info.RemoteHost = info.RemoteAddr
		}
	}
	if p.associationCtx != nil {
		info.CalledAETitle = p.associationCtx.CalledAETitle
		info.CallingAETitle = p.associationCtx.CallingAETitle
	}
	return info
}
