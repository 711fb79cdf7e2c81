// Package testscu is a minimal storage SCU used by end-to-end tests.
package testscu

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/caio-sobreiro/dicomscp/dimse"
	dicomerrors "github.com/caio-sobreiro/dicomscp/errors"
	"github.com/caio-sobreiro/dicomscp/pdu"
	"github.com/caio-sobreiro/dicomscp/types"
)

// Config describes the association to request.
type Config struct {
	CallingAETitle string
	CalledAETitle  string
	// AbstractSyntaxes defaults to Verification, CT and MR Image Storage.
	AbstractSyntaxes []string
	// TransferSyntaxes defaults to Explicit then Implicit VR Little Endian.
	TransferSyntaxes []string
	MaxPDULength     uint32
	Timeout          time.Duration
	Logger           *slog.Logger
}

// Association is an established client association.
type Association struct {
	conn      net.Conn
	maxPDU    uint32
	contexts  map[string]pdu.PresentationContext
	messageID uint16
	logger    *slog.Logger
}

// Connect dials address and negotiates an association. A rejection is
// returned as *errors.AssociationError.
func Connect(ctx context.Context, address string, cfg Config) (*Association, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxPDULength == 0 {
		cfg.MaxPDULength = 16384
	}
	if cfg.CallingAETitle == "" {
		cfg.CallingAETitle = "TESTSCU"
	}
	if len(cfg.AbstractSyntaxes) == 0 {
		cfg.AbstractSyntaxes = []string{types.VerificationSOPClass, types.CTImageStorage, types.MRImageStorage}
	}
	if len(cfg.TransferSyntaxes) == 0 {
		cfg.TransferSyntaxes = []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := conn.SetDeadline(time.Now().Add(cfg.Timeout)); err != nil {
		conn.Close()
		return nil, err
	}

	proposed := make([]pdu.ProposedContext, len(cfg.AbstractSyntaxes))
	byID := make(map[byte]string, len(cfg.AbstractSyntaxes))
	for i, as := range cfg.AbstractSyntaxes {
		id := byte(2*i + 1)
		proposed[i] = pdu.ProposedContext{ID: id, AbstractSyntax: as, TransferSyntaxes: cfg.TransferSyntaxes}
		byID[id] = as
	}
	rq := pdu.EncodeAssociateRQ(&pdu.AssociateRequest{
		CalledAETitle:        cfg.CalledAETitle,
		CallingAETitle:       cfg.CallingAETitle,
		PresentationContexts: proposed,
		MaxPDULength:         cfg.MaxPDULength,
	})
	if _, err := conn.Write(rq); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send A-ASSOCIATE-RQ: %w", err)
	}

	resp, err := pdu.ReadPDU(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read association response: %w", err)
	}
	switch resp.Type {
	case types.TypeAssociateAC:
	case types.TypeAssociateRJ:
		conn.Close()
		if len(resp.Data) < 4 {
			return nil, dicomerrors.NewPDUError(resp.Type, "association reject too short")
		}
		return nil, dicomerrors.NewAssociationError(
			dicomerrors.AssociationRejectSource(resp.Data[2]),
			dicomerrors.AssociationRejectReason(resp.Data[3]),
			"rejected by peer")
	default:
		conn.Close()
		return nil, dicomerrors.NewPDUError(resp.Type, "expected A-ASSOCIATE-AC")
	}

	ac, err := pdu.ParseAssociateAccept(resp.Data)
	if err != nil {
		conn.Close()
		return nil, err
	}
	a := &Association{
		conn:     conn,
		maxPDU:   ac.MaxPDULength,
		contexts: make(map[string]pdu.PresentationContext),
		logger:   logger,
	}
	for _, pc := range ac.PresentationContexts {
		if pc.Result != pdu.PresentationAcceptance {
			continue
		}
		pc.AbstractSyntax = byID[pc.ID]
		a.contexts[pc.AbstractSyntax] = pc
	}
	_ = conn.SetDeadline(time.Time{})
	logger.Debug("Test association established", "called_ae", cfg.CalledAETitle, "accepted", len(a.contexts))
	return a, nil
}

// TransferSyntax returns the negotiated transfer syntax for an abstract
// syntax, or "" when it was not accepted.
func (a *Association) TransferSyntax(abstractSyntax string) string {
	return a.contexts[abstractSyntax].TransferSyntax
}

// Echo sends a C-ECHO and returns the response status.
func (a *Association) Echo() (uint16, error) {
	pc, ok := a.contexts[types.VerificationSOPClass]
	if !ok {
		return 0, dicomerrors.ErrNoPresentationCtx
	}
	status, err := dimse.SendCEcho(a.conn, pc.ID, a.maxPDU, a.nextID())
	if err != nil {
		return 0, err
	}
	if status != types.StatusSuccess {
		return status, dicomerrors.NewDIMSEError("C-ECHO", status, "")
	}
	return status, nil
}

// Store sends one C-STORE.
func (a *Association) Store(sopClassUID, sopInstanceUID string, data []byte) (*dimse.CStoreResponse, error) {
	pc, ok := a.contexts[sopClassUID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dicomerrors.ErrNoPresentationCtx, sopClassUID)
	}
	return dimse.SendCStore(a.conn, pc.ID, a.maxPDU, &dimse.CStoreRequest{
		SOPClassUID:    sopClassUID,
		SOPInstanceUID: sopInstanceUID,
		Data:           data,
		MessageID:      a.nextID(),
	})
}

// Release ends the association and closes the connection.
func (a *Association) Release() error {
	defer a.conn.Close()
	if _, err := a.conn.Write(pdu.EncodeReleaseRQ()); err != nil {
		return err
	}
	_ = a.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	rp, err := pdu.ReadPDU(a.conn)
	if err != nil {
		return err
	}
	if rp.Type != types.TypeReleaseRP {
		return dicomerrors.NewPDUError(rp.Type, "expected A-RELEASE-RP")
	}
	return nil
}

// Abort closes the connection after an A-ABORT.
func (a *Association) Abort() {
	_, _ = a.conn.Write(pdu.EncodeAbort(pdu.AbortSourceServiceUser, pdu.AbortReasonNotSpecified))
	_ = a.conn.Close()
}

// Conn exposes the connection for tests that need raw access.
func (a *Association) Conn() net.Conn { return a.conn }

func (a *Association) nextID() uint16 {
	a.messageID++
	return a.messageID
}
