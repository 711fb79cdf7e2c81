package types

// ApplicationContextUID is the only application context a DICOM peer may
// propose.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// VerificationSOPClass is negotiated for C-ECHO.
const VerificationSOPClass = "1.2.840.10008.1.1"

// Standard storage SOP classes, DICOM Part 4 Annex B.5.
const (
	ComputedRadiographyImageStorage                   = "1.2.840.10008.5.1.4.1.1.1"
	DigitalXRayImageStorageForPresentation            = "1.2.840.10008.5.1.4.1.1.1.1"
	DigitalXRayImageStorageForProcessing              = "1.2.840.10008.5.1.4.1.1.1.1.1"
	DigitalMammographyXRayImageStorageForPresentation = "1.2.840.10008.5.1.4.1.1.1.2"
	DigitalMammographyXRayImageStorageForProcessing   = "1.2.840.10008.5.1.4.1.1.1.2.1"
	DigitalIntraOralXRayImageStorageForPresentation   = "1.2.840.10008.5.1.4.1.1.1.3"
	DigitalIntraOralXRayImageStorageForProcessing     = "1.2.840.10008.5.1.4.1.1.1.3.1"

	CTImageStorage                        = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage                = "1.2.840.10008.5.1.4.1.1.2.1"
	LegacyConvertedEnhancedCTImageStorage = "1.2.840.10008.5.1.4.1.1.2.2"

	UltrasoundMultiFrameImageStorageRetired = "1.2.840.10008.5.1.4.1.1.3"
	UltrasoundMultiFrameImageStorage        = "1.2.840.10008.5.1.4.1.1.3.1"
	UltrasoundImageStorageRetired           = "1.2.840.10008.5.1.4.1.1.6"
	UltrasoundImageStorage                  = "1.2.840.10008.5.1.4.1.1.6.1"
	EnhancedUSVolumeStorage                 = "1.2.840.10008.5.1.4.1.1.6.2"

	MRImageStorage                        = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage                = "1.2.840.10008.5.1.4.1.1.4.1"
	MRSpectroscopyStorage                 = "1.2.840.10008.5.1.4.1.1.4.2"
	EnhancedMRColorImageStorage           = "1.2.840.10008.5.1.4.1.1.4.3"
	LegacyConvertedEnhancedMRImageStorage = "1.2.840.10008.5.1.4.1.1.4.4"

	NuclearMedicineImageStorageRetired = "1.2.840.10008.5.1.4.1.1.5"
	NuclearMedicineImageStorage        = "1.2.840.10008.5.1.4.1.1.20"

	SecondaryCaptureImageStorage                        = "1.2.840.10008.5.1.4.1.1.7"
	MultiFrameGrayscaleByteSecondaryCaptureImageStorage = "1.2.840.10008.5.1.4.1.1.7.1"
	MultiFrameGrayscaleWordSecondaryCaptureImageStorage = "1.2.840.10008.5.1.4.1.1.7.2"
	MultiFrameTrueColorSecondaryCaptureImageStorage     = "1.2.840.10008.5.1.4.1.1.7.3"
	MultiFrameSingleBitSecondaryCaptureImageStorage     = "1.2.840.10008.5.1.4.1.1.7.4"

	TwelveLeadECGWaveformStorage       = "1.2.840.10008.5.1.4.1.1.9.1.1"
	GeneralECGWaveformStorage          = "1.2.840.10008.5.1.4.1.1.9.1.2"
	AmbulatoryECGWaveformStorage       = "1.2.840.10008.5.1.4.1.1.9.1.3"
	HemodynamicWaveformStorage         = "1.2.840.10008.5.1.4.1.1.9.2.1"
	BasicVoiceAudioWaveformStorage     = "1.2.840.10008.5.1.4.1.1.9.4.1"
	GrayscaleSoftcopyPresentationState = "1.2.840.10008.5.1.4.1.1.11.1"
	ColorSoftcopyPresentationState     = "1.2.840.10008.5.1.4.1.1.11.2"

	XRayAngiographicImageStorage      = "1.2.840.10008.5.1.4.1.1.12.1"
	EnhancedXAImageStorage            = "1.2.840.10008.5.1.4.1.1.12.1.1"
	XRayRadiofluoroscopicImageStorage = "1.2.840.10008.5.1.4.1.1.12.2"
	EnhancedXRFImageStorage           = "1.2.840.10008.5.1.4.1.1.12.2.1"

	XRay3DAngiographicImageStorage                  = "1.2.840.10008.5.1.4.1.1.13.1.1"
	XRay3DCraniofacialImageStorage                  = "1.2.840.10008.5.1.4.1.1.13.1.2"
	BreastTomosynthesisImageStorage                 = "1.2.840.10008.5.1.4.1.1.13.1.3"
	BreastProjectionXRayImageStorageForPresentation = "1.2.840.10008.5.1.4.1.1.13.1.4"
	BreastProjectionXRayImageStorageForProcessing   = "1.2.840.10008.5.1.4.1.1.13.1.5"

	IntravascularOCTImageStorageForPresentation = "1.2.840.10008.5.1.4.1.1.14.1"
	IntravascularOCTImageStorageForProcessing   = "1.2.840.10008.5.1.4.1.1.14.2"

	RawDataStorage                 = "1.2.840.10008.5.1.4.1.1.66"
	SpatialRegistrationStorage     = "1.2.840.10008.5.1.4.1.1.66.1"
	SpatialFiducialsStorage        = "1.2.840.10008.5.1.4.1.1.66.2"
	DeformableRegistrationStorage  = "1.2.840.10008.5.1.4.1.1.66.3"
	SegmentationStorage            = "1.2.840.10008.5.1.4.1.1.66.4"
	SurfaceSegmentationStorage     = "1.2.840.10008.5.1.4.1.1.66.5"
	RealWorldValueMappingStorage   = "1.2.840.10008.5.1.4.1.1.67"
	VLEndoscopicImageStorage       = "1.2.840.10008.5.1.4.1.1.77.1.1"
	VLMicroscopicImageStorage      = "1.2.840.10008.5.1.4.1.1.77.1.2"
	VLPhotographicImageStorage     = "1.2.840.10008.5.1.4.1.1.77.1.4"
	VLWholeSlideMicroscopyStorage  = "1.2.840.10008.5.1.4.1.1.77.1.6"
	OphthalmicPhotography8Bit      = "1.2.840.10008.5.1.4.1.1.77.1.5.1"
	OphthalmicPhotography16Bit     = "1.2.840.10008.5.1.4.1.1.77.1.5.2"
	OphthalmicTomographyStorage    = "1.2.840.10008.5.1.4.1.1.77.1.5.4"
	BasicTextSRStorage             = "1.2.840.10008.5.1.4.1.1.88.11"
	EnhancedSRStorage              = "1.2.840.10008.5.1.4.1.1.88.22"
	ComprehensiveSRStorage         = "1.2.840.10008.5.1.4.1.1.88.33"
	Comprehensive3DSRStorage       = "1.2.840.10008.5.1.4.1.1.88.34"
	MammographyCADSRStorage        = "1.2.840.10008.5.1.4.1.1.88.50"
	KeyObjectSelectionDocument     = "1.2.840.10008.5.1.4.1.1.88.59"
	XRayRadiationDoseSRStorage     = "1.2.840.10008.5.1.4.1.1.88.67"
	EncapsulatedPDFStorage         = "1.2.840.10008.5.1.4.1.1.104.1"
	EncapsulatedCDAStorage         = "1.2.840.10008.5.1.4.1.1.104.2"
	EncapsulatedSTLStorage         = "1.2.840.10008.5.1.4.1.1.104.3"
	PETImageStorage                = "1.2.840.10008.5.1.4.1.1.128"
	LegacyConvertedEnhancedPET     = "1.2.840.10008.5.1.4.1.1.128.1"
	EnhancedPETImageStorage        = "1.2.840.10008.5.1.4.1.1.130"
	BasicStructuredDisplayStorage  = "1.2.840.10008.5.1.4.1.1.131"
	RTImageStorage                 = "1.2.840.10008.5.1.4.1.1.481.1"
	RTDoseStorage                  = "1.2.840.10008.5.1.4.1.1.481.2"
	RTStructureSetStorage          = "1.2.840.10008.5.1.4.1.1.481.3"
	RTBeamsTreatmentRecordStorage  = "1.2.840.10008.5.1.4.1.1.481.4"
	RTPlanStorage                  = "1.2.840.10008.5.1.4.1.1.481.5"
	RTBrachyTreatmentRecordStorage = "1.2.840.10008.5.1.4.1.1.481.6"
	RTTreatmentSummaryRecord       = "1.2.840.10008.5.1.4.1.1.481.7"
	RTIonPlanStorage               = "1.2.840.10008.5.1.4.1.1.481.8"
	RTIonBeamsTreatmentRecord      = "1.2.840.10008.5.1.4.1.1.481.9"
)

// Vendor-private storage SOP classes sent by scanners in the field.
const (
	SiemensCSANonImageStorage       = "1.3.12.2.1107.5.9.1"
	GEPrivate3DModelStorage         = "1.2.840.113619.4.26"
	GEPETRawDataStorage             = "1.2.840.113619.4.30"
	GEeNTEGRAProtocolStorage        = "1.2.840.113619.4.27"
	PhilipsPrivateMRSpectrumStorage = "1.3.46.670589.11.0.0.12.1"
	PhilipsPrivateMRSeriesData      = "1.3.46.670589.11.0.0.12.2"
	PhilipsPrivateMRExamcard        = "1.3.46.670589.11.0.0.12.4"
	ToshibaPrivateDataStorage       = "1.2.392.200036.9116.7.8.1.1.1"
)

var storageSOPClasses = []string{
	ComputedRadiographyImageStorage,
	DigitalXRayImageStorageForPresentation,
	DigitalXRayImageStorageForProcessing,
	DigitalMammographyXRayImageStorageForPresentation,
	DigitalMammographyXRayImageStorageForProcessing,
	DigitalIntraOralXRayImageStorageForPresentation,
	DigitalIntraOralXRayImageStorageForProcessing,
	CTImageStorage,
	EnhancedCTImageStorage,
	LegacyConvertedEnhancedCTImageStorage,
	UltrasoundMultiFrameImageStorageRetired,
	UltrasoundMultiFrameImageStorage,
	UltrasoundImageStorageRetired,
	UltrasoundImageStorage,
	EnhancedUSVolumeStorage,
	MRImageStorage,
	EnhancedMRImageStorage,
	MRSpectroscopyStorage,
	EnhancedMRColorImageStorage,
	LegacyConvertedEnhancedMRImageStorage,
	NuclearMedicineImageStorageRetired,
	NuclearMedicineImageStorage,
	SecondaryCaptureImageStorage,
	MultiFrameGrayscaleByteSecondaryCaptureImageStorage,
	MultiFrameGrayscaleWordSecondaryCaptureImageStorage,
	MultiFrameTrueColorSecondaryCaptureImageStorage,
	MultiFrameSingleBitSecondaryCaptureImageStorage,
	TwelveLeadECGWaveformStorage,
	GeneralECGWaveformStorage,
	AmbulatoryECGWaveformStorage,
	HemodynamicWaveformStorage,
	BasicVoiceAudioWaveformStorage,
	GrayscaleSoftcopyPresentationState,
	ColorSoftcopyPresentationState,
	XRayAngiographicImageStorage,
	EnhancedXAImageStorage,
	XRayRadiofluoroscopicImageStorage,
	EnhancedXRFImageStorage,
	XRay3DAngiographicImageStorage,
	XRay3DCraniofacialImageStorage,
	BreastTomosynthesisImageStorage,
	BreastProjectionXRayImageStorageForPresentation,
	BreastProjectionXRayImageStorageForProcessing,
	IntravascularOCTImageStorageForPresentation,
	IntravascularOCTImageStorageForProcessing,
	RawDataStorage,
	SpatialRegistrationStorage,
	SpatialFiducialsStorage,
	DeformableRegistrationStorage,
	SegmentationStorage,
	SurfaceSegmentationStorage,
	RealWorldValueMappingStorage,
	VLEndoscopicImageStorage,
	VLMicroscopicImageStorage,
	VLPhotographicImageStorage,
	VLWholeSlideMicroscopyStorage,
	OphthalmicPhotography8Bit,
	OphthalmicPhotography16Bit,
	OphthalmicTomographyStorage,
	BasicTextSRStorage,
	EnhancedSRStorage,
	ComprehensiveSRStorage,
	Comprehensive3DSRStorage,
	MammographyCADSRStorage,
	KeyObjectSelectionDocument,
	XRayRadiationDoseSRStorage,
	EncapsulatedPDFStorage,
	EncapsulatedCDAStorage,
	EncapsulatedSTLStorage,
	PETImageStorage,
	LegacyConvertedEnhancedPET,
	EnhancedPETImageStorage,
	BasicStructuredDisplayStorage,
	RTImageStorage,
	RTDoseStorage,
	RTStructureSetStorage,
	RTBeamsTreatmentRecordStorage,
	RTPlanStorage,
	RTBrachyTreatmentRecordStorage,
	RTTreatmentSummaryRecord,
	RTIonPlanStorage,
	RTIonBeamsTreatmentRecord,

	SiemensCSANonImageStorage,
	GEPrivate3DModelStorage,
	GEPETRawDataStorage,
	GEeNTEGRAProtocolStorage,
	PhilipsPrivateMRSpectrumStorage,
	PhilipsPrivateMRSeriesData,
	PhilipsPrivateMRExamcard,
	ToshibaPrivateDataStorage,
}

var storageSOPClassSet = func() map[string]bool {
	set := make(map[string]bool, len(storageSOPClasses))
	for _, uid := range storageSOPClasses {
		set[uid] = true
	}
	return set
}()

// StorageSOPClasses returns the storage SOP classes every receiver AE
// accepts, standard classes first. The slice is a copy.
func StorageSOPClasses() []string {
	out := make([]string, len(storageSOPClasses))
	copy(out, storageSOPClasses)
	return out
}

// IsStorageSOPClass reports whether uid is in the storage catalog.
func IsStorageSOPClass(uid string) bool {
	return storageSOPClassSet[uid]
}
