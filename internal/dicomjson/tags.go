package dicomjson

// Tags used throughout the DICOMweb surface, in Annex F string form.
const (
	TagSpecificCharacterSet       = "00080005"
	TagSOPClassUID                = "00080016"
	TagSOPInstanceUID             = "00080018"
	TagStudyDate                  = "00080020"
	TagSeriesDate                 = "00080021"
	TagStudyTime                  = "00080030"
	TagSeriesTime                 = "00080031"
	TagAccessionNumber            = "00080050"
	TagModality                   = "00080060"
	TagModalitiesInStudy          = "00080061"
	TagReferringPhysicianName     = "00080090"
	TagStudyDescription           = "00081030"
	TagSeriesDescription          = "0008103E"
	TagReferencedSOPClassUID      = "00081150"
	TagReferencedSOPInstanceUID   = "00081155"
	TagRetrieveURL                = "00081190"
	TagTransactionUID             = "00081195"
	TagFailureReason              = "00081197"
	TagFailedSOPSequence          = "00081198"
	TagReferencedSOPSequence      = "00081199"
	TagPatientName                = "00100010"
	TagPatientID                  = "00100020"
	TagPatientBirthDate           = "00100030"
	TagPatientSex                 = "00100040"
	TagStudyInstanceUID           = "0020000D"
	TagSeriesInstanceUID          = "0020000E"
	TagSeriesNumber               = "00200011"
	TagInstanceNumber             = "00200013"
	TagNumberOfStudyRelatedSeries = "00201206"
	TagNumberOfStudyRelatedInst   = "00201208"
	TagNumberOfSeriesRelatedInst  = "00201209"
	TagNumberOfFrames             = "00280008"
	TagScheduledStartDateTime     = "00404005"
	TagScheduledWorkitemCodeSeq   = "00404018"
	TagInputInformationSeq        = "00404021"
	TagHumanPerformerCodeSeq      = "00404009"
	TagHumanPerformerName         = "00404037"
	TagHumanPerformerOrganization = "00404036"
	TagScheduledHumanPerformerSeq = "00404034"
	TagProcedureStepState         = "00741000"
	TagProgressInformationSeq     = "00741002"
	TagProcedureStepProgress      = "00741004"
	TagProgressDescription        = "00741006"
	TagWorklistLabel              = "00741202"
	TagProcedureStepLabel         = "00741204"
	TagScheduledPriority          = "00741200"
	TagOutputInformationSeq       = "00741216"
	TagReasonForCancellation      = "00741238"
	TagPixelData                  = "7FE00010"
	TagCodeValue                  = "00080100"
	TagCodingSchemeDesignator     = "00080102"
	TagCodeMeaning                = "00080104"
)
