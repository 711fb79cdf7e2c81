package dimse

import (
	"fmt"
	"io"

	dicomerrors "github.com/caio-sobreiro/dicomscp/errors"
	"github.com/caio-sobreiro/dicomscp/pdu"
	"github.com/caio-sobreiro/dicomscp/types"
)

// CStoreRequest represents a C-STORE request
type CStoreRequest struct {
	SOPClassUID    string
	SOPInstanceUID string
	Data           []byte
	MessageID      uint16
	Priority       uint16
}

// CStoreResponse represents a C-STORE response
type CStoreResponse struct {
	Status         uint16
	MessageID      uint16
	SOPClassUID    string
	SOPInstanceUID string
	ErrorComment   string
}

// Connection interface for sending/receiving DICOM data
type Connection interface {
	io.ReadWriter
}

// SendCStore sends a C-STORE request and waits for response
func SendCStore(conn Connection, presContextID byte, maxPDULength uint32, req *CStoreRequest) (*CStoreResponse, error) {
	command := &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              req.MessageID,
		Priority:               req.Priority,
		CommandDataSetType:     types.DataSetPresent,
		AffectedSOPClassUID:    req.SOPClassUID,
		AffectedSOPInstanceUID: req.SOPInstanceUID,
	}

	commandData, err := EncodeCommand(command)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	if err := SendDIMSEMessage(conn, presContextID, maxPDULength, commandData, req.Data); err != nil {
		return nil, fmt.Errorf("failed to send C-STORE: %w", err)
	}

	msg, _, err := ReceiveDIMSEMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to receive C-STORE-RSP: %w", err)
	}

	if msg.CommandField != types.CStoreRSP {
		return nil, fmt.Errorf("unexpected command: 0x%04x (expected C-STORE-RSP)", msg.CommandField)
	}

	return &CStoreResponse{
		Status:         msg.Status,
		MessageID:      msg.MessageIDBeingRespondedTo,
		SOPClassUID:    msg.AffectedSOPClassUID,
		SOPInstanceUID: msg.AffectedSOPInstanceUID,
		ErrorComment:   msg.ErrorComment,
	}, nil
}

// SendCEcho sends a C-ECHO request and returns the response status.
func SendCEcho(conn Connection, presContextID byte, maxPDULength uint32, messageID uint16) (uint16, error) {
	commandData, err := EncodeCommand(&types.Message{
		CommandField:        types.CEchoRQ,
		MessageID:           messageID,
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  types.NoDataSet,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode command: %w", err)
	}
	if err := SendDIMSEMessage(conn, presContextID, maxPDULength, commandData, nil); err != nil {
		return 0, fmt.Errorf("failed to send C-ECHO: %w", err)
	}

	msg, _, err := ReceiveDIMSEMessage(conn)
	if err != nil {
		return 0, fmt.Errorf("failed to receive C-ECHO-RSP: %w", err)
	}
	if msg.CommandField != types.CEchoRSP {
		return 0, fmt.Errorf("unexpected command: 0x%04x (expected C-ECHO-RSP)", msg.CommandField)
	}
	return msg.Status, nil
}

// SendDIMSEMessage sends a DIMSE message with optional dataset
func SendDIMSEMessage(conn Connection, presContextID byte, maxPDULength uint32, commandData []byte, datasetData []byte) error {
	if err := pdu.WritePData(conn, presContextID, maxPDULength, commandData, true); err != nil {
		return err
	}
	if len(datasetData) > 0 {
		return pdu.WritePData(conn, presContextID, maxPDULength, datasetData, false)
	}
	return nil
}

// ReceiveDIMSEMessage reads a complete DIMSE message (command and optional dataset)
func ReceiveDIMSEMessage(conn Connection) (*types.Message, []byte, error) {
	var (
		commandData []byte
		datasetData []byte
		currentMsg  *types.Message
		datasetDone bool
	)

	for {
		p, err := pdu.ReadPDU(conn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read PDU: %w", err)
		}

		switch p.Type {
		case types.TypePDataTF:
			pdvs, err := pdu.ParsePDataTF(p.Data)
			if err != nil {
				return nil, nil, err
			}
			for _, pdv := range pdvs {
				if pdv.IsCommand() {
					commandData = append(commandData, pdv.Data...)
					if pdv.IsLast() {
						currentMsg, err = DecodeCommand(commandData)
						if err != nil {
							return nil, nil, fmt.Errorf("failed to decode command: %w", err)
						}
					}
					continue
				}
				datasetData = append(datasetData, pdv.Data...)
				if pdv.IsLast() {
					datasetDone = true
				}
			}
		case types.TypeAbort:
			var source, reason byte
			if len(p.Data) >= 4 {
				source, reason = p.Data[2], p.Data[3]
			}
			return nil, nil, dicomerrors.NewAbortError(source, reason)
		default:
			return nil, nil, dicomerrors.NewPDUError(p.Type, "unexpected PDU while waiting for DIMSE message")
		}

		if currentMsg != nil && (!currentMsg.HasDataSet() || datasetDone) {
			return currentMsg, datasetData, nil
		}
	}
}
