package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/dicomkit/dicomweb-server/internal/config"
	"github.com/dicomkit/dicomweb-server/internal/dicomjson"
	"github.com/dicomkit/dicomweb-server/internal/metrics"
	"github.com/dicomkit/dicomweb-server/internal/models"
	"github.com/dicomkit/dicomweb-server/internal/weberror"
	"github.com/rs/zerolog/log"
)

// STOW-RS failure reason codes (PS3.4 and PS3.18).
const (
	failureProcessing           = 272 // 0x0110
	failureDuplicateSOPInstance = 273 // 0x0111
	failureSOPClassNotSupported = 290 // 0x0122
)

type stowResult struct {
	sopClassUID    string
	sopInstanceUID string
	retrieveURL    string
	failureReason  int
}

// storeInstances is the STOW-RS entry point. studyUID is empty for the
// unconstrained /studies form and otherwise pins every instance to one study.
// Accepted bodies are multipart/related with application/dicom parts, or a
// single bare application/dicom object.
func (h *Handlers) storeInstances(w http.ResponseWriter, r *http.Request, studyUID string) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		weberror.Write(w, weberror.New(weberror.KindUnsupportedMediaType,
			"STOW-RS accepts multipart/related or application/dicom, got %q", r.Header.Get("Content-Type")))
		return
	}

	var results []stowResult
	switch mediaType {
	case mediaDICOM:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			weberror.Write(w, bodyReadError(err, "failed to read request body"))
			return
		}
		results = append(results, h.storeOnePart(r, data, studyUID))

	case mediaMultipart:
		if t := params["type"]; t != "" && t != mediaDICOM {
			weberror.Write(w, weberror.New(weberror.KindUnsupportedMediaType,
				"unsupported part type %q", t))
			return
		}
		boundary := params["boundary"]
		if boundary == "" {
			weberror.Write(w, weberror.New(weberror.KindBadRequest, "missing multipart boundary"))
			return
		}

		reader := multipart.NewReader(r.Body, boundary)
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				weberror.Write(w, bodyReadError(err, "malformed multipart body"))
				return
			}
			data, err := io.ReadAll(part)
			_ = part.Close()
			if err != nil {
				weberror.Write(w, bodyReadError(err, "failed to read part"))
				return
			}
			results = append(results, h.storeOnePart(r, data, studyUID))
		}

	default:
		weberror.Write(w, weberror.New(weberror.KindUnsupportedMediaType,
			"STOW-RS accepts multipart/related or application/dicom, got %q", mediaType))
		return
	}
	if len(results) == 0 {
		weberror.Write(w, weberror.New(weberror.KindBadRequest, "request contains no instances"))
		return
	}

	stored, failed := 0, 0
	response := dicomjson.Dataset{}
	var accepted, rejected []dicomjson.Dataset
	for _, res := range results {
		item := dicomjson.Dataset{}
		item.SetString(dicomjson.TagReferencedSOPClassUID, "UI", res.sopClassUID)
		item.SetString(dicomjson.TagReferencedSOPInstanceUID, "UI", res.sopInstanceUID)
		if res.failureReason != 0 {
			item.SetInt(dicomjson.TagFailureReason, "US", res.failureReason)
			rejected = append(rejected, item)
			failed++
			metrics.StowFailed.Inc()
			continue
		}
		item.SetString(dicomjson.TagRetrieveURL, "UR", res.retrieveURL)
		accepted = append(accepted, item)
		stored++
		metrics.StowStored.Inc()
	}
	if len(accepted) > 0 {
		response.SetSequence(dicomjson.TagReferencedSOPSequence, accepted...)
	}
	if len(rejected) > 0 {
		response.SetSequence(dicomjson.TagFailedSOPSequence, rejected...)
	}

	status := http.StatusOK
	switch {
	case stored == 0:
		status = http.StatusConflict
	case failed > 0:
		status = http.StatusAccepted
	}
	log.Info().Int("stored", stored).Int("failed", failed).Str("study_uid", studyUID).Msg("STOW-RS store complete")
	writeJSON(w, status, mediaDICOMJSON+"; charset=utf-8", response)
}

// bodyReadError distinguishes an oversized request body (the MaxBytesReader
// tripped) from a genuinely malformed one.
func bodyReadError(err error, msg string) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return weberror.Wrap(weberror.KindPayloadTooLarge, err,
			"request body exceeds %d bytes", maxErr.Limit)
	}
	return weberror.Wrap(weberror.KindBadRequest, err, "%s", msg)
}

func (h *Handlers) storeOnePart(r *http.Request, data []byte, studyUID string) stowResult {
	attrs, err := h.parser.Extract(data)
	if err != nil {
		log.Warn().Err(err).Msg("STOW-RS part rejected")
		return stowResult{failureReason: failureProcessing}
	}
	res := stowResult{
		sopClassUID:    attrs.SOPClassUID,
		sopInstanceUID: attrs.SOPInstanceUID,
	}

	if h.stow.ValidateUIDFormat {
		for _, uid := range []string{attrs.StudyInstanceUID, attrs.SeriesInstanceUID, attrs.SOPInstanceUID} {
			if !models.ValidUID(uid) {
				res.failureReason = failureProcessing
				return res
			}
		}
	}
	if h.stow.ValidateRequiredAttributes {
		if attrs.SOPClassUID == "" {
			res.failureReason = failureProcessing
			return res
		}
		for _, tag := range h.stow.AdditionalRequiredTags {
			if !attrs.Dataset.Has(tag) {
				res.failureReason = failureProcessing
				return res
			}
		}
	}
	if h.stow.ValidateSOPClasses && len(h.stow.AllowedSOPClasses) > 0 {
		allowed := false
		for _, cls := range h.stow.AllowedSOPClasses {
			if cls == attrs.SOPClassUID {
				allowed = true
				break
			}
		}
		if !allowed {
			res.failureReason = failureSOPClassNotSupported
			return res
		}
	}
	if studyUID != "" && attrs.StudyInstanceUID != studyUID {
		res.failureReason = failureProcessing
		return res
	}

	exists, err := h.store.InstanceExists(r.Context(), attrs.StudyInstanceUID, attrs.SeriesInstanceUID, attrs.SOPInstanceUID)
	if err != nil {
		res.failureReason = failureProcessing
		return res
	}
	if exists && h.stow.DuplicatePolicy == config.DuplicateReject {
		res.failureReason = failureDuplicateSOPInstance
		return res
	}

	inst := &models.Instance{
		StudyInstanceUID:  attrs.StudyInstanceUID,
		SeriesInstanceUID: attrs.SeriesInstanceUID,
		SOPInstanceUID:    attrs.SOPInstanceUID,
		SOPClassUID:       attrs.SOPClassUID,
		TransferSyntaxUID: attrs.TransferSyntaxUID,
		Attributes:        attrs.Dataset,
		Data:              data,
		ReceivedAt:        time.Now().UTC(),
	}
	if err := h.store.StoreInstance(r.Context(), inst); err != nil {
		log.Error().Err(err).Str("sop_instance_uid", attrs.SOPInstanceUID).Msg("Failed to store instance")
		res.failureReason = failureProcessing
		return res
	}
	res.retrieveURL = fmt.Sprintf("%s/studies/%s/series/%s/instances/%s",
		h.baseURL, attrs.StudyInstanceUID, attrs.SeriesInstanceUID, attrs.SOPInstanceUID)
	return res
}
