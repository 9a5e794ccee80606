package models

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/dicomkit/dicomweb-server/internal/dicomjson"
	"github.com/google/uuid"
)

// WorkitemState is the UPS procedure step state (0074,1000).
type WorkitemState string

const (
	StateScheduled  WorkitemState = "SCHEDULED"
	StateInProgress WorkitemState = "IN PROGRESS"
	StateCompleted  WorkitemState = "COMPLETED"
	StateCanceled   WorkitemState = "CANCELED"
)

// Valid reports whether s is one of the four UPS states.
func (s WorkitemState) Valid() bool {
	switch s {
	case StateScheduled, StateInProgress, StateCompleted, StateCanceled:
		return true
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s WorkitemState) Terminal() bool {
	return s == StateCompleted || s == StateCanceled
}

// CanTransitionTo implements the UPS state machine:
// SCHEDULED -> IN PROGRESS | CANCELED, IN PROGRESS -> COMPLETED | CANCELED.
func (s WorkitemState) CanTransitionTo(next WorkitemState) bool {
	switch s {
	case StateScheduled:
		return next == StateInProgress || next == StateCanceled
	case StateInProgress:
		return next == StateCompleted || next == StateCanceled
	}
	return false
}

// WorkitemPriority is the scheduled procedure step priority (0074,1200).
type WorkitemPriority string

const (
	PriorityLow    WorkitemPriority = "LOW"
	PriorityMedium WorkitemPriority = "MEDIUM"
	PriorityHigh   WorkitemPriority = "HIGH"
	PriorityStat   WorkitemPriority = "STAT"
)

// Valid reports whether p is a recognized priority.
func (p WorkitemPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityStat:
		return true
	}
	return false
}

// CodeItem is a coded entry (code value, scheme, meaning).
type CodeItem struct {
	CodeValue              string
	CodingSchemeDesignator string
	CodeMeaning            string
}

func (c CodeItem) toDataset() dicomjson.Dataset {
	d := dicomjson.Dataset{}
	d.SetString(dicomjson.TagCodeValue, "SH", c.CodeValue)
	d.SetString(dicomjson.TagCodingSchemeDesignator, "SH", c.CodingSchemeDesignator)
	d.SetString(dicomjson.TagCodeMeaning, "LO", c.CodeMeaning)
	return d
}

func codeFromDataset(d dicomjson.Dataset) CodeItem {
	return CodeItem{
		CodeValue:              d.String(dicomjson.TagCodeValue),
		CodingSchemeDesignator: d.String(dicomjson.TagCodingSchemeDesignator),
		CodeMeaning:            d.String(dicomjson.TagCodeMeaning),
	}
}

// HumanPerformer is one item of the scheduled human performers sequence.
type HumanPerformer struct {
	Code         CodeItem
	Name         string
	Organization string
}

// ReferencedSOP references one composite object (input/output information).
type ReferencedSOP struct {
	SOPClassUID    string
	SOPInstanceUID string
}

// ProgressInformation is the UPS progress information item.
type ProgressInformation struct {
	Percent     int
	Description string
}

// Workitem is a UPS procedure-step record.
type Workitem struct {
	WorkitemUID    string
	State          WorkitemState
	Priority       WorkitemPriority
	TransactionUID string

	PatientName            string
	PatientID              string
	ScheduledStartTime     string // DICOM DT
	StudyInstanceUID       string
	ProcedureStepLabel     string
	WorklistLabel          string
	ScheduledWorkitemCode  *CodeItem
	ScheduledPerformers    []HumanPerformer
	InputInformation       []ReferencedSOP
	OutputInformation      []ReferencedSOP
	Progress               *ProgressInformation
	CancellationReason     string
}

// Validation failure kinds for workitems.
var (
	ErrEmptyWorkitemUID      = fmt.Errorf("validation: empty workitem UID")
	ErrMissingTransactionUID = fmt.Errorf("validation: IN PROGRESS requires a transaction UID")
	ErrFinalStateViolation   = fmt.Errorf("validation: terminal state admits no transition")
	ErrInvalidField          = fmt.Errorf("validation: invalid field")
)

// Validate enforces the workitem invariants of the data model.
func (w *Workitem) Validate() error {
	if w.WorkitemUID == "" {
		return ErrEmptyWorkitemUID
	}
	if !ValidUID(w.WorkitemUID) {
		return fmt.Errorf("%w: workitem UID %q", ErrInvalidField, w.WorkitemUID)
	}
	if !w.State.Valid() {
		return fmt.Errorf("%w: state %q", ErrInvalidField, w.State)
	}
	if w.Priority != "" && !w.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", ErrInvalidField, w.Priority)
	}
	if w.State == StateInProgress && w.TransactionUID == "" {
		return ErrMissingTransactionUID
	}
	return nil
}

// Clone returns a deep copy.
func (w *Workitem) Clone() *Workitem {
	c := *w
	if w.ScheduledWorkitemCode != nil {
		code := *w.ScheduledWorkitemCode
		c.ScheduledWorkitemCode = &code
	}
	c.ScheduledPerformers = append([]HumanPerformer(nil), w.ScheduledPerformers...)
	c.InputInformation = append([]ReferencedSOP(nil), w.InputInformation...)
	c.OutputInformation = append([]ReferencedSOP(nil), w.OutputInformation...)
	if w.Progress != nil {
		p := *w.Progress
		c.Progress = &p
	}
	return &c
}

// ToDataset serializes the workitem into its DICOM+JSON form.
func (w *Workitem) ToDataset() dicomjson.Dataset {
	d := dicomjson.Dataset{}
	d.SetString(dicomjson.TagSOPInstanceUID, "UI", w.WorkitemUID)
	d.SetString(dicomjson.TagProcedureStepState, "CS", string(w.State))
	if w.Priority != "" {
		d.SetString(dicomjson.TagScheduledPriority, "CS", string(w.Priority))
	}
	d.SetString(dicomjson.TagTransactionUID, "UI", w.TransactionUID)
	d.SetPersonName(dicomjson.TagPatientName, w.PatientName)
	d.SetString(dicomjson.TagPatientID, "LO", w.PatientID)
	d.SetString(dicomjson.TagScheduledStartDateTime, "DT", w.ScheduledStartTime)
	d.SetString(dicomjson.TagStudyInstanceUID, "UI", w.StudyInstanceUID)
	d.SetString(dicomjson.TagProcedureStepLabel, "LO", w.ProcedureStepLabel)
	d.SetString(dicomjson.TagWorklistLabel, "LO", w.WorklistLabel)
	if w.ScheduledWorkitemCode != nil {
		d.SetSequence(dicomjson.TagScheduledWorkitemCodeSeq, w.ScheduledWorkitemCode.toDataset())
	}
	if len(w.ScheduledPerformers) > 0 {
		items := make([]dicomjson.Dataset, len(w.ScheduledPerformers))
		for i, p := range w.ScheduledPerformers {
			item := dicomjson.Dataset{}
			item.SetSequence(dicomjson.TagHumanPerformerCodeSeq, p.Code.toDataset())
			item.SetPersonName(dicomjson.TagHumanPerformerName, p.Name)
			item.SetString(dicomjson.TagHumanPerformerOrganization, "LO", p.Organization)
			items[i] = item
		}
		d.SetSequence(dicomjson.TagScheduledHumanPerformerSeq, items...)
	}
	if len(w.InputInformation) > 0 {
		d.SetSequence(dicomjson.TagInputInformationSeq, refsToItems(w.InputInformation)...)
	}
	if len(w.OutputInformation) > 0 {
		d.SetSequence(dicomjson.TagOutputInformationSeq, refsToItems(w.OutputInformation)...)
	}
	if w.Progress != nil {
		item := dicomjson.Dataset{}
		item.SetString(dicomjson.TagProcedureStepProgress, "DS", strconv.Itoa(w.Progress.Percent))
		item.SetString(dicomjson.TagProgressDescription, "ST", w.Progress.Description)
		d.SetSequence(dicomjson.TagProgressInformationSeq, item)
	}
	d.SetString(dicomjson.TagReasonForCancellation, "LT", w.CancellationReason)
	return d
}

// WorkitemFromDataset parses a DICOM+JSON dataset into a workitem. Missing
// state defaults to SCHEDULED and missing priority to MEDIUM.
func WorkitemFromDataset(d dicomjson.Dataset) *Workitem {
	w := &Workitem{
		WorkitemUID:        d.String(dicomjson.TagSOPInstanceUID),
		State:              WorkitemState(d.String(dicomjson.TagProcedureStepState)),
		Priority:           WorkitemPriority(d.String(dicomjson.TagScheduledPriority)),
		TransactionUID:     d.String(dicomjson.TagTransactionUID),
		PatientName:        d.String(dicomjson.TagPatientName),
		PatientID:          d.String(dicomjson.TagPatientID),
		ScheduledStartTime: d.String(dicomjson.TagScheduledStartDateTime),
		StudyInstanceUID:   d.String(dicomjson.TagStudyInstanceUID),
		ProcedureStepLabel: d.String(dicomjson.TagProcedureStepLabel),
		WorklistLabel:      d.String(dicomjson.TagWorklistLabel),
		CancellationReason: d.String(dicomjson.TagReasonForCancellation),
	}
	if w.State == "" {
		w.State = StateScheduled
	}
	if w.Priority == "" {
		w.Priority = PriorityMedium
	}
	if items := d.Sequence(dicomjson.TagScheduledWorkitemCodeSeq); len(items) > 0 {
		code := codeFromDataset(items[0])
		w.ScheduledWorkitemCode = &code
	}
	for _, item := range d.Sequence(dicomjson.TagScheduledHumanPerformerSeq) {
		p := HumanPerformer{
			Name:         item.String(dicomjson.TagHumanPerformerName),
			Organization: item.String(dicomjson.TagHumanPerformerOrganization),
		}
		if codes := item.Sequence(dicomjson.TagHumanPerformerCodeSeq); len(codes) > 0 {
			p.Code = codeFromDataset(codes[0])
		}
		w.ScheduledPerformers = append(w.ScheduledPerformers, p)
	}
	w.InputInformation = refsFromItems(d.Sequence(dicomjson.TagInputInformationSeq))
	w.OutputInformation = refsFromItems(d.Sequence(dicomjson.TagOutputInformationSeq))
	if items := d.Sequence(dicomjson.TagProgressInformationSeq); len(items) > 0 {
		percent, _ := items[0].Int(dicomjson.TagProcedureStepProgress)
		w.Progress = &ProgressInformation{
			Percent:     percent,
			Description: items[0].String(dicomjson.TagProgressDescription),
		}
	}
	return w
}

func refsToItems(refs []ReferencedSOP) []dicomjson.Dataset {
	items := make([]dicomjson.Dataset, len(refs))
	for i, ref := range refs {
		item := dicomjson.Dataset{}
		item.SetString(dicomjson.TagReferencedSOPClassUID, "UI", ref.SOPClassUID)
		item.SetString(dicomjson.TagReferencedSOPInstanceUID, "UI", ref.SOPInstanceUID)
		items[i] = item
	}
	return items
}

func refsFromItems(items []dicomjson.Dataset) []ReferencedSOP {
	if len(items) == 0 {
		return nil
	}
	refs := make([]ReferencedSOP, len(items))
	for i, item := range items {
		refs[i] = ReferencedSOP{
			SOPClassUID:    item.String(dicomjson.TagReferencedSOPClassUID),
			SOPInstanceUID: item.String(dicomjson.TagReferencedSOPInstanceUID),
		}
	}
	return refs
}

// NewUID mints a DICOM UID under the 2.25 UUID-derived root.
func NewUID() string {
	u := uuid.New()
	var n big.Int
	n.SetBytes(u[:])
	return "2.25." + n.String()
}
