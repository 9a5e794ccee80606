package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/dicomkit/dicomweb-server/internal/dicomjson"
)

// Instance is a stored DICOM composite object: its Part-10 bytes plus the
// attribute dictionary extracted at ingestion time.
type Instance struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
	Attributes        dicomjson.Dataset
	Data              []byte
	ReceivedAt        time.Time
}

// Clone returns a deep copy safe to hand across goroutines.
func (i *Instance) Clone() *Instance {
	c := *i
	c.Data = append([]byte(nil), i.Data...)
	c.Attributes = make(dicomjson.Dataset, len(i.Attributes))
	for k, v := range i.Attributes {
		c.Attributes[k] = v
	}
	return &c
}

// StudySummary is the QIDO-RS study-level result record.
type StudySummary struct {
	StudyInstanceUID   string
	PatientID          string
	PatientName        string
	PatientBirthDate   string
	PatientSex         string
	StudyDate          string
	StudyTime          string
	StudyDescription   string
	AccessionNumber    string
	ReferringPhysician string
	ModalitiesInStudy  []string
	NumberOfSeries     int
	NumberOfInstances  int
}

// ToDataset renders the summary as DICOM+JSON, with RetrieveURL synthesized
// from the server base URL.
func (s StudySummary) ToDataset(baseURL string) dicomjson.Dataset {
	d := dicomjson.Dataset{}
	d.SetString(dicomjson.TagStudyInstanceUID, "UI", s.StudyInstanceUID)
	d.SetString(dicomjson.TagPatientID, "LO", s.PatientID)
	d.SetPersonName(dicomjson.TagPatientName, s.PatientName)
	d.SetString(dicomjson.TagPatientBirthDate, "DA", s.PatientBirthDate)
	d.SetString(dicomjson.TagPatientSex, "CS", s.PatientSex)
	d.SetString(dicomjson.TagStudyDate, "DA", s.StudyDate)
	d.SetString(dicomjson.TagStudyTime, "TM", s.StudyTime)
	d.SetString(dicomjson.TagStudyDescription, "LO", s.StudyDescription)
	d.SetString(dicomjson.TagAccessionNumber, "SH", s.AccessionNumber)
	d.SetPersonName(dicomjson.TagReferringPhysicianName, s.ReferringPhysician)
	d.SetString(dicomjson.TagModalitiesInStudy, "CS", s.ModalitiesInStudy...)
	d.SetInt(dicomjson.TagNumberOfStudyRelatedSeries, "IS", s.NumberOfSeries)
	d.SetInt(dicomjson.TagNumberOfStudyRelatedInst, "IS", s.NumberOfInstances)
	if baseURL != "" {
		d.SetString(dicomjson.TagRetrieveURL, "UR",
			fmt.Sprintf("%s/studies/%s", baseURL, s.StudyInstanceUID))
	}
	return d
}

// SeriesSummary is the QIDO-RS series-level result record.
type SeriesSummary struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SeriesNumber      int
	Modality          string
	SeriesDescription string
	SeriesDate        string
	SeriesTime        string
	NumberOfInstances int
}

// ToDataset renders the summary as DICOM+JSON.
func (s SeriesSummary) ToDataset(baseURL string) dicomjson.Dataset {
	d := dicomjson.Dataset{}
	d.SetString(dicomjson.TagSeriesInstanceUID, "UI", s.SeriesInstanceUID)
	if s.SeriesNumber > 0 {
		d.SetInt(dicomjson.TagSeriesNumber, "IS", s.SeriesNumber)
	}
	d.SetString(dicomjson.TagModality, "CS", s.Modality)
	d.SetString(dicomjson.TagSeriesDescription, "LO", s.SeriesDescription)
	d.SetString(dicomjson.TagSeriesDate, "DA", s.SeriesDate)
	d.SetString(dicomjson.TagSeriesTime, "TM", s.SeriesTime)
	d.SetInt(dicomjson.TagNumberOfSeriesRelatedInst, "IS", s.NumberOfInstances)
	if baseURL != "" {
		d.SetString(dicomjson.TagRetrieveURL, "UR",
			fmt.Sprintf("%s/studies/%s/series/%s", baseURL, s.StudyInstanceUID, s.SeriesInstanceUID))
	}
	return d
}

// InstanceSummary is the QIDO-RS instance-level result record.
type InstanceSummary struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	InstanceNumber    int
	NumberOfFrames    int
}

// ToDataset renders the summary as DICOM+JSON.
func (s InstanceSummary) ToDataset(baseURL string) dicomjson.Dataset {
	d := dicomjson.Dataset{}
	d.SetString(dicomjson.TagSOPInstanceUID, "UI", s.SOPInstanceUID)
	d.SetString(dicomjson.TagSOPClassUID, "UI", s.SOPClassUID)
	if s.InstanceNumber > 0 {
		d.SetInt(dicomjson.TagInstanceNumber, "IS", s.InstanceNumber)
	}
	if s.NumberOfFrames > 0 {
		d.SetInt(dicomjson.TagNumberOfFrames, "IS", s.NumberOfFrames)
	}
	if baseURL != "" {
		d.SetString(dicomjson.TagRetrieveURL, "UR",
			fmt.Sprintf("%s/studies/%s/series/%s/instances/%s",
				baseURL, s.StudyInstanceUID, s.SeriesInstanceUID, s.SOPInstanceUID))
	}
	return d
}

// ValidUID reports whether s is a well-formed DICOM UID: non-empty dotted
// decimal, each component up to 39 digits, at most 64 characters overall.
func ValidUID(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, comp := range strings.Split(s, ".") {
		if comp == "" || len(comp) > 39 {
			return false
		}
		for _, c := range comp {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}
