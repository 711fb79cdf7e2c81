package pdu

import (
	"encoding/binary"
	"fmt"
	"sort"

	dicomerrors "github.com/caio-sobreiro/dicomscp/errors"
	"github.com/caio-sobreiro/dicomscp/types"
)

// Item types of A-ASSOCIATE-RQ/AC variable fields.
const (
	itemApplicationContext = 0x10
	itemPresentationRQ     = 0x20
	itemPresentationAC     = 0x21
	itemAbstractSyntax     = 0x30
	itemTransferSyntax     = 0x40
	itemUserInformation    = 0x50
	itemMaxLength          = 0x51
	itemImplClassUID       = 0x52
	itemImplVersionName    = 0x55
)

// Presentation context results.
const (
	PresentationAcceptance           byte = 0x00
	PresentationRejectAbstractSyntax byte = 0x03
	PresentationRejectTransferSyntax byte = 0x04
)

// ProposedContext is a presentation context as proposed by the requester.
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// AssociateRequest is a decoded A-ASSOCIATE-RQ.
type AssociateRequest struct {
	CalledAETitle          string
	CallingAETitle         string
	ApplicationContext     string
	PresentationContexts   []ProposedContext
	MaxPDULength           uint32
	ImplementationClassUID string
}

// PresentationContext represents a negotiated presentation context
type PresentationContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

// AssociateAccept is a decoded A-ASSOCIATE-AC.
type AssociateAccept struct {
	CalledAETitle        string
	CallingAETitle       string
	PresentationContexts []PresentationContext
	MaxPDULength         uint32
}

// ParseAssociateRequest decodes the body of an A-ASSOCIATE-RQ PDU.
func ParseAssociateRequest(data []byte) (*AssociateRequest, error) {
	if len(data) < 68 {
		return nil, dicomerrors.NewPDUError(types.TypeAssociateRQ, "association request too short")
	}

	req := &AssociateRequest{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
	}

	err := walkItems(data[68:], func(itemType byte, value []byte) error {
		switch itemType {
		case itemApplicationContext:
			req.ApplicationContext = normalizeUID(value)
		case itemPresentationRQ:
			pc, err := parseProposedContext(value)
			if err != nil {
				return err
			}
			req.PresentationContexts = append(req.PresentationContexts, pc)
		case itemUserInformation:
			return walkItems(value, func(subType byte, subValue []byte) error {
				switch {
				case subType == itemMaxLength && len(subValue) == 4:
					req.MaxPDULength = binary.BigEndian.Uint32(subValue)
				case subType == itemImplClassUID:
					req.ImplementationClassUID = normalizeUID(subValue)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func parseProposedContext(data []byte) (ProposedContext, error) {
	if len(data) < 4 {
		return ProposedContext{}, dicomerrors.NewPDUError(types.TypeAssociateRQ, fmt.Sprintf("presentation context too short: %d", len(data)))
	}

	pc := ProposedContext{ID: data[0]}
	err := walkItems(data[4:], func(itemType byte, value []byte) error {
		switch itemType {
		case itemAbstractSyntax:
			pc.AbstractSyntax = normalizeUID(value)
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, normalizeUID(value))
		}
		return nil
	})
	if err != nil {
		return ProposedContext{}, err
	}
	if pc.AbstractSyntax == "" {
		return ProposedContext{}, dicomerrors.NewPDUError(types.TypeAssociateRQ, fmt.Sprintf("presentation context %d missing abstract syntax", pc.ID))
	}
	return pc, nil
}

// walkItems iterates variable items laid out as type, reserved, 16 bit
// length, value.
func walkItems(data []byte, fn func(itemType byte, value []byte) error) error {
	offset := 0
	for offset+4 <= len(data) {
		itemType := data[offset]
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		end := offset + 4 + length
		if end > len(data) {
			return dicomerrors.NewPDUError(types.TypeAssociateRQ, fmt.Sprintf("item 0x%02x exceeds PDU length", itemType))
		}
		if err := fn(itemType, data[offset+4:end]); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

// Negotiate answers every proposed context against capabilities, a map of
// abstract syntax to the transfer syntaxes accepted for it. The first
// proposed transfer syntax that is accepted wins.
func Negotiate(proposed []ProposedContext, capabilities map[string][]string) []PresentationContext {
	out := make([]PresentationContext, 0, len(proposed))
	for _, pc := range proposed {
		result := PresentationContext{
			ID:             pc.ID,
			Result:         PresentationRejectAbstractSyntax,
			AbstractSyntax: pc.AbstractSyntax,
		}

		if accepted, ok := capabilities[pc.AbstractSyntax]; ok {
			result.Result = PresentationRejectTransferSyntax
		proposals:
			for _, ts := range pc.TransferSyntaxes {
				for _, candidate := range accepted {
					if ts == candidate {
						result.Result = PresentationAcceptance
						result.TransferSyntax = ts
						break proposals
					}
				}
			}
		}
		out = append(out, result)
	}
	return out
}

// EncodeAssociateAC builds an A-ASSOCIATE-AC PDU.
//
// Rejected contexts are left out: DCMTK based peers refuse an AC that
// carries them even though PS3.8 9.3.3.3 lists every proposed context.
func EncodeAssociateAC(ac *AssociateAccept) []byte {
	body := make([]byte, 68)
	binary.BigEndian.PutUint16(body[0:2], 0x0001)
	copy(body[4:20], padAETitle(ac.CalledAETitle))
	copy(body[20:36], padAETitle(ac.CallingAETitle))

	body = appendItem(body, itemApplicationContext, []byte(types.ApplicationContextUID))

	contexts := append([]PresentationContext(nil), ac.PresentationContexts...)
	sort.Slice(contexts, func(i, j int) bool { return contexts[i].ID < contexts[j].ID })
	for _, pc := range contexts {
		if pc.Result != PresentationAcceptance || pc.TransferSyntax == "" {
			continue
		}
		value := []byte{pc.ID, 0x00, pc.Result, 0x00}
		value = appendItem(value, itemTransferSyntax, []byte(pc.TransferSyntax))
		body = appendItem(body, itemPresentationAC, value)
	}

	body = appendItem(body, itemUserInformation, userInformation(ac.MaxPDULength))
	return wrapPDU(types.TypeAssociateAC, body)
}

// EncodeAssociateRQ builds an A-ASSOCIATE-RQ PDU.
func EncodeAssociateRQ(req *AssociateRequest) []byte {
	body := make([]byte, 68)
	binary.BigEndian.PutUint16(body[0:2], 0x0001)
	copy(body[4:20], padAETitle(req.CalledAETitle))
	copy(body[20:36], padAETitle(req.CallingAETitle))

	appContext := req.ApplicationContext
	if appContext == "" {
		appContext = types.ApplicationContextUID
	}
	body = appendItem(body, itemApplicationContext, []byte(appContext))

	for _, pc := range req.PresentationContexts {
		value := []byte{pc.ID, 0x00, 0x00, 0x00}
		value = appendItem(value, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			value = appendItem(value, itemTransferSyntax, []byte(ts))
		}
		body = appendItem(body, itemPresentationRQ, value)
	}

	body = appendItem(body, itemUserInformation, userInformation(req.MaxPDULength))
	return wrapPDU(types.TypeAssociateRQ, body)
}

// ParseAssociateAccept decodes the body of an A-ASSOCIATE-AC PDU.
func ParseAssociateAccept(data []byte) (*AssociateAccept, error) {
	if len(data) < 68 {
		return nil, dicomerrors.NewPDUError(types.TypeAssociateAC, "association accept too short")
	}

	ac := &AssociateAccept{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
	}
	err := walkItems(data[68:], func(itemType byte, value []byte) error {
		switch itemType {
		case itemPresentationAC:
			if len(value) < 4 {
				return dicomerrors.NewPDUError(types.TypeAssociateAC, "presentation context too short")
			}
			pc := PresentationContext{ID: value[0], Result: value[2]}
			if err := walkItems(value[4:], func(subType byte, subValue []byte) error {
				if subType == itemTransferSyntax {
					pc.TransferSyntax = normalizeUID(subValue)
				}
				return nil
			}); err != nil {
				return err
			}
			ac.PresentationContexts = append(ac.PresentationContexts, pc)
		case itemUserInformation:
			return walkItems(value, func(subType byte, subValue []byte) error {
				if subType == itemMaxLength && len(subValue) == 4 {
					ac.MaxPDULength = binary.BigEndian.Uint32(subValue)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ac, nil
}

func userInformation(maxPDULength uint32) []byte {
	if maxPDULength == 0 {
		maxPDULength = types.DefaultMaxPDULength
	}
	var info []byte
	info = appendItem(info, itemMaxLength, binary.BigEndian.AppendUint32(nil, maxPDULength))
	info = appendItem(info, itemImplClassUID, []byte(types.ImplementationClassUID))
	info = appendItem(info, itemImplVersionName, []byte(types.ImplementationVersionName))
	return info
}

func wrapPDU(pduType byte, body []byte) []byte {
	out := make([]byte, 0, 6+len(body))
	out = append(out, pduType, 0x00)
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}
