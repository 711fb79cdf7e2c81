package types

// DICOM Transfer Syntax UIDs as defined in DICOM Part 5, Section 8 and Part 6, Annex A.4
// https://dicom.nema.org/medical/dicom/current/output/chtml/part05/chapter_8.html

// Uncompressed Transfer Syntaxes
const (
	// ImplicitVRLittleEndian - Default Transfer Syntax for DICOM
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"

	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

	// ExplicitVRBigEndian is retired but still sent by older modalities.
	ExplicitVRBigEndian = "1.2.840.10008.1.2.2"

	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"
)

// Compressed Transfer Syntaxes
const (
	JPEGBaseline8Bit                = "1.2.840.10008.1.2.4.50"
	JPEGExtended12Bit               = "1.2.840.10008.1.2.4.51"
	JPEGLossless                    = "1.2.840.10008.1.2.4.57"
	JPEGLosslessSV1                 = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless                  = "1.2.840.10008.1.2.4.80"
	JPEGLSNearLossless              = "1.2.840.10008.1.2.4.81"
	JPEG2000Lossless                = "1.2.840.10008.1.2.4.90"
	JPEG2000                        = "1.2.840.10008.1.2.4.91"
	JPEG2000Part2MultiComponentLoss = "1.2.840.10008.1.2.4.92"
	JPEG2000Part2MultiComponent     = "1.2.840.10008.1.2.4.93"
	MPEG2MainProfile                = "1.2.840.10008.1.2.4.100"
	MPEG2MainProfileHighLevel       = "1.2.840.10008.1.2.4.101"
	MPEG4AVCH264HighProfile         = "1.2.840.10008.1.2.4.102"
	MPEG4AVCH264BDCompatible        = "1.2.840.10008.1.2.4.103"
	HEVCH265MainProfileLevel51      = "1.2.840.10008.1.2.4.107"
	HEVCH265Main10ProfileLevel51    = "1.2.840.10008.1.2.4.108"
	RLELossless                     = "1.2.840.10008.1.2.5"
	HTJ2KLossless                   = "1.2.840.10008.1.2.4.201"
	HTJ2KLosslessRPCL               = "1.2.840.10008.1.2.4.202"
	HTJ2K                           = "1.2.840.10008.1.2.4.203"
)

// acceptedTransferSyntaxes is ordered by preference. The receiver picks the
// first syntax the requester proposes, so the order only matters for
// callers that build proposals from it.
var acceptedTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
	ExplicitVRBigEndian,
	DeflatedExplicitVRLittleEndian,
	JPEGBaseline8Bit,
	JPEGExtended12Bit,
	JPEGLossless,
	JPEGLosslessSV1,
	JPEGLSLossless,
	JPEGLSNearLossless,
	JPEG2000Lossless,
	JPEG2000,
	JPEG2000Part2MultiComponentLoss,
	JPEG2000Part2MultiComponent,
	MPEG2MainProfile,
	MPEG2MainProfileHighLevel,
	MPEG4AVCH264HighProfile,
	MPEG4AVCH264BDCompatible,
	HEVCH265MainProfileLevel51,
	HEVCH265Main10ProfileLevel51,
	RLELossless,
	HTJ2KLossless,
	HTJ2KLosslessRPCL,
	HTJ2K,
}

var acceptedTransferSyntaxSet = func() map[string]bool {
	set := make(map[string]bool, len(acceptedTransferSyntaxes))
	for _, uid := range acceptedTransferSyntaxes {
		set[uid] = true
	}
	return set
}()

// AcceptedTransferSyntaxes returns a copy of the transfer syntaxes a
// receiver accepts for storage.
func AcceptedTransferSyntaxes() []string {
	out := make([]string, len(acceptedTransferSyntaxes))
	copy(out, acceptedTransferSyntaxes)
	return out
}

// IsAcceptedTransferSyntax reports whether uid is in the accepted catalog.
func IsAcceptedTransferSyntax(uid string) bool {
	return acceptedTransferSyntaxSet[uid]
}

// IsEncapsulated reports whether pixel data travels in fragments, i.e.
// any accepted syntax other than the native and deflated ones.
func IsEncapsulated(uid string) bool {
	switch uid {
	case ImplicitVRLittleEndian, ExplicitVRLittleEndian, ExplicitVRBigEndian, DeflatedExplicitVRLittleEndian:
		return false
	}
	return acceptedTransferSyntaxSet[uid]
}
