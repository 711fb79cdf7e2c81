package services

import (
	"strings"
	"testing"

	"github.com/caio-sobreiro/dicomscp/types"
)

func storeRequest() *types.Message {
	return &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              7,
		AffectedSOPClassUID:    types.CTImageStorage,
		AffectedSOPInstanceUID: "1.2.3.4.5",
		CommandDataSetType:     types.DataSetPresent,
	}
}

func TestCStoreResponse_IncludeUIDs(t *testing.T) {
	tests := []struct {
		name        string
		includeUIDs bool
		wantClass   string
		wantInst    string
	}{
		{"with UIDs", true, types.CTImageStorage, "1.2.3.4.5"},
		{"without UIDs", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := NewCStoreResponse(storeRequest(), types.StatusSuccess, tt.includeUIDs)
			if resp.CommandField != types.CStoreRSP {
				t.Errorf("CommandField = 0x%04x, want 0x%04x", resp.CommandField, types.CStoreRSP)
			}
			if resp.MessageIDBeingRespondedTo != 7 {
				t.Errorf("MessageIDBeingRespondedTo = %d, want 7", resp.MessageIDBeingRespondedTo)
			}
			if resp.AffectedSOPClassUID != tt.wantClass || resp.AffectedSOPInstanceUID != tt.wantInst {
				t.Errorf("UIDs = %q/%q, want %q/%q", resp.AffectedSOPClassUID, resp.AffectedSOPInstanceUID, tt.wantClass, tt.wantInst)
			}
			if resp.CommandDataSetType != types.NoDataSet {
				t.Errorf("CommandDataSetType = 0x%04x, want 0x%04x", resp.CommandDataSetType, types.NoDataSet)
			}
		})
	}
}

func TestSetErrorComment_Truncates(t *testing.T) {
	resp := NewCStoreResponse(storeRequest(), types.StatusCannotUnderstand, true)

	SetErrorComment(resp, "bad transfer syntax")
	if resp.ErrorComment != "bad transfer syntax" {
		t.Errorf("ErrorComment = %q", resp.ErrorComment)
	}

	SetErrorComment(resp, strings.Repeat("e", 80))
	if len(resp.ErrorComment) != types.MaxErrorCommentLength {
		t.Errorf("len(ErrorComment) = %d, want %d", len(resp.ErrorComment), types.MaxErrorCommentLength)
	}

	SetErrorComment(resp, strings.Repeat("x", 63)+"ü and more")
	if resp.ErrorComment != strings.Repeat("x", 63) {
		t.Errorf("ErrorComment = %q, want the multi-byte rune dropped whole", resp.ErrorComment)
	}
}

func TestCreateErrorResponse(t *testing.T) {
	resp := CreateErrorResponse(storeRequest(), types.StatusProcessingFailure)
	if resp.CommandField != types.CStoreRSP {
		t.Errorf("CommandField = 0x%04x, want 0x%04x", resp.CommandField, types.CStoreRSP)
	}
	if resp.Status != types.StatusProcessingFailure {
		t.Errorf("Status = 0x%04x, want 0x%04x", resp.Status, types.StatusProcessingFailure)
	}
	if resp.AffectedSOPClassUID != types.CTImageStorage {
		t.Errorf("AffectedSOPClassUID = %s", resp.AffectedSOPClassUID)
	}
}
