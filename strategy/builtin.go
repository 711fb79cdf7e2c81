package strategy

import (
	"regexp"

	"github.com/caio-sobreiro/dicomscp/dicom"
)

var commentMarkers = map[string]*regexp.Regexp{
	"project": regexp.MustCompile(`(?i)\bproject:\s*([^\s;]+)`),
	"subject": regexp.MustCompile(`(?i)\bsubject:\s*([^\s;]+)`),
	"session": regexp.MustCompile(`(?i)\bsession:\s*([^\s;]+)`),
}

// ClassicIdentifier tries, per field, the routing expressions, then
// "Project:", "Subject:" and "Session:" markers in Patient Comments and
// Study Comments, then Study Description, Patient Name and Patient ID.
type ClassicIdentifier struct {
	Routing *Routing
}

func (c *ClassicIdentifier) Identify(ds *dicom.Dataset) Session {
	var routing Routing
	if c.Routing != nil {
		routing = *c.Routing
	}
	return Session{
		Project: identifyField(ds, routing.Project, "project", dicom.TagStudyDescription),
		Subject: identifyField(ds, routing.Subject, "subject", dicom.TagPatientName),
		Session: identifyField(ds, routing.Session, "session", dicom.TagPatientID),
	}
}

func identifyField(ds *dicom.Dataset, expr *Expression, marker string, fallback dicom.Tag) string {
	if v, ok := expr.Evaluate(ds); ok && v != "" {
		return v
	}
	re := commentMarkers[marker]
	for _, tag := range []dicom.Tag{dicom.TagPatientComments, dicom.TagStudyComments} {
		if m := re.FindStringSubmatch(ds.GetString(tag)); m != nil {
			return m[1]
		}
	}
	return ds.GetString(fallback)
}

// UIDIdentifier leaves the project unassigned and keys subject and session
// on Patient ID and Study Instance UID.
type UIDIdentifier struct{}

func (UIDIdentifier) Identify(ds *dicom.Dataset) Session {
	return Session{
		Subject: ds.GetString(dicom.TagPatientID),
		Session: ds.GetString(dicom.TagStudyInstanceUID),
	}
}

// SOPInstanceNamer names files <SOPInstanceUID>.dcm.
type SOPInstanceNamer struct{}

func (SOPInstanceNamer) FileName(ds *dicom.Dataset) string {
	return ds.GetString(dicom.TagSOPInstanceUID) + ".dcm"
}

// SeriesNamer names files <SeriesNumber>-<InstanceNumber>-<SOPInstanceUID>.dcm.
type SeriesNamer struct{}

func (SeriesNamer) FileName(ds *dicom.Dataset) string {
	series := ds.GetString(dicom.TagSeriesNumber)
	if series == "" {
		series = "0"
	}
	number := ds.GetString(dicom.TagInstanceNumber)
	if number == "" {
		number = "0"
	}
	return series + "-" + number + "-" + ds.GetString(dicom.TagSOPInstanceUID) + ".dcm"
}
