package types

import "unicode/utf8"

// DIMSE Command types
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CGetRQ    = 0x0010
	CGetRSP   = 0x8010
	CFindRQ   = 0x0020
	CFindRSP  = 0x8020
	CMoveRQ   = 0x0021
	CMoveRSP  = 0x8021
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
	CCancelRQ = 0x0FFF
)

// DIMSE Status codes
const (
	StatusSuccess = 0x0000
	StatusPending = 0xFF00
	StatusFailure = 0xC000

	StatusUnrecognizedOperation = 0x0211
	StatusProcessingFailure     = 0x0110
)

// C-STORE status codes. The receiver only ever answers with success,
// out of resources or cannot understand; the rest are listed for
// requesters that inspect responses.
const (
	StatusOutOfResources                = 0xA700
	StatusDataSetDoesNotMatchSOPClass   = 0xA900
	StatusCannotUnderstand              = 0xC000
	StatusCoercionOfDataElements        = 0xB000
	StatusElementsDiscarded             = 0xB006
	StatusDataSetDoesNotMatchSOPClassWn = 0xB007
)

// Command Data Set Type values (0000,0800).
const (
	DataSetPresent = 0x0000
	NoDataSet      = 0x0101
)

// MaxErrorCommentLength is the LO limit of Error Comment (0000,0902).
const MaxErrorCommentLength = 64

// TruncateErrorComment cuts comment to MaxErrorCommentLength bytes
// without splitting a UTF-8 sequence.
func TruncateErrorComment(comment string) string {
	if len(comment) <= MaxErrorCommentLength {
		return comment
	}
	cut := MaxErrorCommentLength
	for cut > 0 && !utf8.RuneStart(comment[cut]) {
		cut--
	}
	return comment[:cut]
}

// Message represents a parsed DIMSE command
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	MessageIDBeingRespondedTo uint16
	ErrorComment              string
	MoveOriginatorAETitle     string
	MoveOriginatorMessageID   uint16

	// Negotiated transfer syntax of the presentation context the message
	// arrived on. Not part of the encoded command.
	TransferSyntaxUID string
}

// IsResponse reports whether the command field has the response bit set.
func (m *Message) IsResponse() bool {
	return m.CommandField&0x8000 != 0
}

// HasDataSet reports whether a data set follows the command.
func (m *Message) HasDataSet() bool {
	return m.CommandDataSetType != NoDataSet
}

// ResponseCommandFor maps a DIMSE request command to its corresponding response command.
func ResponseCommandFor(request uint16) uint16 {
	switch request {
	case CStoreRQ:
		return CStoreRSP
	case CGetRQ:
		return CGetRSP
	case CFindRQ:
		return CFindRSP
	case CMoveRQ:
		return CMoveRSP
	case CEchoRQ:
		return CEchoRSP
	default:
		return request | 0x8000
	}
}
