package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dicomkit/dicomweb-server/internal/dicomjson"
	"github.com/dicomkit/dicomweb-server/internal/events"
	"github.com/dicomkit/dicomweb-server/internal/models"
	"github.com/dicomkit/dicomweb-server/internal/ups"
	"github.com/dicomkit/dicomweb-server/internal/weberror"
)

// upsEnabled guards every workitem route; a server without a UPS provider
// answers 501.
func (h *Handlers) upsEnabled(w http.ResponseWriter) bool {
	if h.ups == nil {
		weberror.Write(w, weberror.New(weberror.KindNotImplemented, "UPS-RS is not enabled"))
		return false
	}
	return true
}

func writeUPSError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ups.ErrNotFound):
		weberror.Write(w, weberror.Wrap(weberror.KindNotFound, err, "workitem not found"))
	case errors.Is(err, ups.ErrDuplicate):
		weberror.Write(w, weberror.Wrap(weberror.KindConflict, err, "workitem already exists"))
	case errors.Is(err, ups.ErrInvalidTransition):
		weberror.Write(w, weberror.Wrap(weberror.KindConflict, err, "illegal state transition"))
	case errors.Is(err, ups.ErrWrongTransactionUID):
		weberror.Write(w, weberror.Wrap(weberror.KindConflict, err, "transaction UID mismatch"))
	case errors.Is(err, ups.ErrDeletionLocked):
		weberror.Write(w, weberror.Wrap(weberror.KindConflict, err, "workitem is deletion-locked"))
	case errors.Is(err, models.ErrEmptyWorkitemUID),
		errors.Is(err, models.ErrMissingTransactionUID),
		errors.Is(err, models.ErrFinalStateViolation),
		errors.Is(err, models.ErrInvalidField):
		weberror.Write(w, weberror.Wrap(weberror.KindValidation, err, "invalid workitem"))
	default:
		weberror.Write(w, weberror.Wrap(weberror.KindInternal, err, "workitem operation failed"))
	}
}

func readDataset(r *http.Request) (dicomjson.Dataset, error) {
	var d dicomjson.Dataset
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		return nil, weberror.Wrap(weberror.KindBadRequest, err, "malformed DICOM+JSON body")
	}
	return d, nil
}

func (h *Handlers) searchWorkitems(w http.ResponseWriter, r *http.Request) {
	if !h.upsEnabled(w) {
		return
	}
	q := r.URL.Query()
	get := func(keys ...string) string {
		for _, k := range keys {
			if v := q.Get(k); v != "" {
				return v
			}
		}
		return ""
	}
	filter := ups.SearchFilter{
		State:     models.WorkitemState(get("state", dicomjson.TagProcedureStepState)),
		Priority:  models.WorkitemPriority(get("priority", dicomjson.TagScheduledPriority)),
		PatientID: get("PatientID", dicomjson.TagPatientID),
		Label:     get("ProcedureStepLabel", dicomjson.TagProcedureStepLabel),
	}
	filter.Offset, filter.Limit = parsePaging(r)

	page, err := h.ups.SearchWorkitems(r.Context(), filter)
	if err != nil {
		writeUPSError(w, err)
		return
	}

	datasets := make([]dicomjson.Dataset, len(page))
	for i, wi := range page {
		datasets[i] = workitemDataset(wi)
	}
	writeDatasets(w, r, datasets)
}

// workitemDataset renders a workitem for retrieval; the transaction UID is
// the server's lock token and never leaves through reads.
func workitemDataset(wi *models.Workitem) dicomjson.Dataset {
	d := wi.ToDataset()
	delete(d, dicomjson.TagTransactionUID)
	return d
}

func (h *Handlers) createWorkitem(w http.ResponseWriter, r *http.Request, pathUID string) {
	if !h.upsEnabled(w) {
		return
	}
	d, err := readDataset(r)
	if err != nil {
		weberror.Write(w, err)
		return
	}
	wi := models.WorkitemFromDataset(d)
	if pathUID != "" {
		if wi.WorkitemUID != "" && wi.WorkitemUID != pathUID {
			weberror.Write(w, weberror.New(weberror.KindBadRequest,
				"workitem UID %q does not match resource %q", wi.WorkitemUID, pathUID))
			return
		}
		wi.WorkitemUID = pathUID
	}
	if wi.WorkitemUID == "" {
		wi.WorkitemUID = models.NewUID()
	}
	if wi.State != models.StateScheduled {
		weberror.Write(w, weberror.New(weberror.KindBadRequest,
			"workitems are created SCHEDULED, got %q", wi.State))
		return
	}
	if wi.TransactionUID != "" {
		weberror.Write(w, weberror.New(weberror.KindBadRequest,
			"transaction UID may not be supplied on create"))
		return
	}

	if err := h.ups.CreateWorkitem(r.Context(), wi); err != nil {
		writeUPSError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("%s/workitems/%s", h.baseURL, wi.WorkitemUID))
	writeJSON(w, http.StatusCreated, mediaDICOMJSON+"; charset=utf-8", workitemDataset(wi))
}

func (h *Handlers) retrieveWorkitem(w http.ResponseWriter, r *http.Request, workitemUID string) {
	if !h.upsEnabled(w) {
		return
	}
	ct, ok := negotiateJSON(w, r)
	if !ok {
		return
	}
	wi, err := h.ups.GetWorkitem(r.Context(), workitemUID)
	if err != nil {
		writeUPSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ct, workitemDataset(wi))
}

// transactionUID reads the lock token from the query or the request dataset.
func transactionUID(r *http.Request, d dicomjson.Dataset) string {
	if uid := r.URL.Query().Get("transaction-uid"); uid != "" {
		return uid
	}
	if d != nil {
		return d.String(dicomjson.TagTransactionUID)
	}
	return ""
}

func (h *Handlers) updateWorkitem(w http.ResponseWriter, r *http.Request, workitemUID string) {
	if !h.upsEnabled(w) {
		return
	}
	d, err := readDataset(r)
	if err != nil {
		weberror.Write(w, err)
		return
	}
	update := models.WorkitemFromDataset(d)
	if err := h.ups.UpdateWorkitem(r.Context(), workitemUID, transactionUID(r, d), update); err != nil {
		writeUPSError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) changeWorkitemState(w http.ResponseWriter, r *http.Request, workitemUID string) {
	if !h.upsEnabled(w) {
		return
	}
	d, err := readDataset(r)
	if err != nil {
		weberror.Write(w, err)
		return
	}
	newState := models.WorkitemState(d.String(dicomjson.TagProcedureStepState))
	if newState == "" {
		weberror.Write(w, weberror.New(weberror.KindBadRequest, "missing procedure step state"))
		return
	}

	wi, err := h.ups.ChangeWorkitemState(r.Context(), workitemUID, newState, transactionUID(r, d))
	if err != nil {
		writeUPSError(w, err)
		return
	}
	// The response carries the transaction UID so the performer can present
	// it on subsequent operations.
	writeJSON(w, http.StatusOK, mediaDICOMJSON+"; charset=utf-8", wi.ToDataset())
}

func (h *Handlers) requestCancellation(w http.ResponseWriter, r *http.Request, workitemUID string) {
	if !h.upsEnabled(w) {
		return
	}
	reason := ""
	if r.ContentLength != 0 {
		if d, err := readDataset(r); err == nil {
			reason = d.String(dicomjson.TagReasonForCancellation)
		}
	}
	if err := h.ups.RequestCancellation(r.Context(), workitemUID, reason); err != nil {
		writeUPSError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// subscriptionScope maps the resource UID onto the manager's scope: the
// well-known global UID subscribes to every workitem.
func subscriptionScope(workitemUID string) string {
	if workitemUID == events.GlobalSubscriptionUID {
		return ""
	}
	return workitemUID
}

func parseEventTypes(r *http.Request) []models.EventType {
	var out []models.EventType
	for _, v := range r.URL.Query()["eventtype"] {
		out = append(out, models.EventType(v))
	}
	return out
}

func (h *Handlers) subscribe(w http.ResponseWriter, r *http.Request, workitemUID, aeTitle string) {
	if !h.upsEnabled(w) {
		return
	}
	scope := subscriptionScope(workitemUID)
	if scope != "" {
		if _, err := h.ups.GetWorkitem(r.Context(), scope); err != nil {
			writeUPSError(w, err)
			return
		}
	}
	deletionLock := r.URL.Query().Get("deletionlock") == "true"
	h.subs.Subscribe(aeTitle, scope, deletionLock, parseEventTypes(r))
	w.Header().Set("Location", fmt.Sprintf("%s/workitems/%s/subscribers/%s", h.baseURL, workitemUID, aeTitle))
	w.WriteHeader(http.StatusCreated)
}

func (h *Handlers) unsubscribe(w http.ResponseWriter, r *http.Request, workitemUID, aeTitle string) {
	if !h.upsEnabled(w) {
		return
	}
	// Unsubscribing is idempotent: removing an absent subscription succeeds.
	h.subs.Unsubscribe(aeTitle, subscriptionScope(workitemUID))
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) suspendSubscription(w http.ResponseWriter, r *http.Request, workitemUID, aeTitle string) {
	if !h.upsEnabled(w) {
		return
	}
	if !h.subs.Suspend(aeTitle, subscriptionScope(workitemUID)) {
		weberror.Write(w, weberror.New(weberror.KindNotFound,
			"no subscription of %s for this resource", aeTitle))
		return
	}
	w.WriteHeader(http.StatusOK)
}
