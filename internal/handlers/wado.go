package handlers

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/dicomkit/dicomweb-server/internal/dicomfile"
	"github.com/dicomkit/dicomweb-server/internal/dicomjson"
	"github.com/dicomkit/dicomweb-server/internal/models"
	"github.com/dicomkit/dicomweb-server/internal/negotiate"
	"github.com/dicomkit/dicomweb-server/internal/storage"
	"github.com/dicomkit/dicomweb-server/internal/weberror"
)

const mediaMultipart = "multipart/related"

func (h *Handlers) retrieveStudy(w http.ResponseWriter, r *http.Request, studyUID string) {
	instances, err := h.store.GetStudyInstances(r.Context(), studyUID)
	if err != nil || len(instances) == 0 {
		weberror.Write(w, weberror.New(weberror.KindNotFound, "study %s not found", studyUID))
		return
	}
	h.writeMultipartInstances(w, r, instances)
}

func (h *Handlers) retrieveSeries(w http.ResponseWriter, r *http.Request, studyUID, seriesUID string) {
	instances, err := h.store.GetSeriesInstances(r.Context(), studyUID, seriesUID)
	if err != nil || len(instances) == 0 {
		weberror.Write(w, weberror.New(weberror.KindNotFound, "series %s not found", seriesUID))
		return
	}
	h.writeMultipartInstances(w, r, instances)
}

func (h *Handlers) writeMultipartInstances(w http.ResponseWriter, r *http.Request, instances []*models.Instance) {
	if _, ok := negotiate.NegotiateMediaType(r.Header.Get("Accept"), []string{mediaMultipart, mediaDICOM}); !ok {
		weberror.Write(w, weberror.New(weberror.KindNotAcceptable, "acceptable media types: %s", mediaMultipart))
		return
	}
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type",
		fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, mw.Boundary()))
	w.WriteHeader(http.StatusOK)
	for _, inst := range instances {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Type", mediaDICOM)
		part, err := mw.CreatePart(hdr)
		if err != nil {
			return
		}
		if _, err := part.Write(inst.Data); err != nil {
			return
		}
	}
	_ = mw.Close()
}

func (h *Handlers) retrieveInstance(w http.ResponseWriter, r *http.Request, studyUID, seriesUID, instanceUID string) {
	inst, err := h.store.GetInstance(r.Context(), studyUID, seriesUID, instanceUID)
	if err != nil {
		weberror.Write(w, weberror.New(weberror.KindNotFound, "instance %s not found", instanceUID))
		return
	}
	mt, ok := negotiate.NegotiateMediaType(r.Header.Get("Accept"), []string{mediaDICOM, mediaMultipart, mediaOctets})
	if !ok {
		weberror.Write(w, weberror.New(weberror.KindNotAcceptable, "acceptable media types: %s, %s", mediaDICOM, mediaMultipart))
		return
	}
	if mt == mediaMultipart {
		h.writeMultipartInstances(w, r, []*models.Instance{inst})
		return
	}

	data := inst.Data
	if header := r.Header.Get("Range"); header != "" {
		br := negotiate.ParseRange(header)
		if br == nil || br.Start >= int64(len(data)) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(data)))
			weberror.Write(w, weberror.New(weberror.KindRangeNotSatisfiable, "unsatisfiable range %q", header))
			return
		}
		end := br.End
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		w.Header().Set("Content-Type", mt)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.Start, end, len(data)))
		w.Header().Set("Content-Length", strconv.FormatInt(end-br.Start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(data[br.Start : end+1])
		return
	}

	w.Header().Set("Content-Type", mt)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handlers) retrieveStudyMetadata(w http.ResponseWriter, r *http.Request, studyUID string) {
	instances, err := h.store.GetStudyInstances(r.Context(), studyUID)
	if err != nil || len(instances) == 0 {
		weberror.Write(w, weberror.New(weberror.KindNotFound, "study %s not found", studyUID))
		return
	}
	h.writeMetadata(w, r, instances)
}

func (h *Handlers) retrieveSeriesMetadata(w http.ResponseWriter, r *http.Request, studyUID, seriesUID string) {
	instances, err := h.store.GetSeriesInstances(r.Context(), studyUID, seriesUID)
	if err != nil || len(instances) == 0 {
		weberror.Write(w, weberror.New(weberror.KindNotFound, "series %s not found", seriesUID))
		return
	}
	h.writeMetadata(w, r, instances)
}

func (h *Handlers) retrieveInstanceMetadata(w http.ResponseWriter, r *http.Request, studyUID, seriesUID, instanceUID string) {
	inst, err := h.store.GetInstance(r.Context(), studyUID, seriesUID, instanceUID)
	if err != nil {
		weberror.Write(w, weberror.New(weberror.KindNotFound, "instance %s not found", instanceUID))
		return
	}
	h.writeMetadata(w, r, []*models.Instance{inst})
}

// writeMetadata renders the stored attribute datasets, adding the retrieve
// and bulk data references the stored form omits.
func (h *Handlers) writeMetadata(w http.ResponseWriter, r *http.Request, instances []*models.Instance) {
	ct, ok := negotiateJSON(w, r)
	if !ok {
		return
	}
	datasets := make([]dicomjson.Dataset, len(instances))
	for i, inst := range instances {
		d := make(dicomjson.Dataset, len(inst.Attributes)+2)
		for k, v := range inst.Attributes {
			d[k] = v
		}
		url := fmt.Sprintf("%s/studies/%s/series/%s/instances/%s",
			h.baseURL, inst.StudyInstanceUID, inst.SeriesInstanceUID, inst.SOPInstanceUID)
		d.SetString(dicomjson.TagRetrieveURL, "UR", url)
		if !d.Has(dicomjson.TagPixelData) {
			d[dicomjson.TagPixelData] = dicomjson.Attribute{VR: "OB", BulkDataURI: url}
		}
		datasets[i] = d
	}
	writeJSON(w, http.StatusOK, ct, datasets)
}

func (h *Handlers) retrieveFrames(w http.ResponseWriter, r *http.Request, studyUID, seriesUID, instanceUID, frameList string) {
	inst, err := h.store.GetInstance(r.Context(), studyUID, seriesUID, instanceUID)
	if err != nil {
		weberror.Write(w, weberror.New(weberror.KindNotFound, "instance %s not found", instanceUID))
		return
	}
	frames, err := parseFrameList(frameList)
	if err != nil {
		weberror.Write(w, err)
		return
	}
	if _, ok := negotiate.NegotiateMediaType(r.Header.Get("Accept"), []string{mediaMultipart, mediaOctets}); !ok {
		weberror.Write(w, weberror.New(weberror.KindNotAcceptable, "acceptable media types: %s", mediaMultipart))
		return
	}

	payloads, err := h.parser.ExtractFrames(inst.Data, frames)
	if err != nil {
		switch {
		case errors.Is(err, dicomfile.ErrFrameOutOfRange), errors.Is(err, dicomfile.ErrNoPixelData):
			weberror.Write(w, weberror.Wrap(weberror.KindNotFound, err, "requested frames not available"))
		default:
			weberror.Write(w, weberror.Wrap(weberror.KindInternal, err, "frame extraction failed"))
		}
		return
	}

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type",
		fmt.Sprintf(`multipart/related; type="application/octet-stream"; boundary=%s`, mw.Boundary()))
	w.WriteHeader(http.StatusOK)
	for _, p := range payloads {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Type", mediaOctets)
		part, err := mw.CreatePart(hdr)
		if err != nil {
			return
		}
		if _, err := part.Write(p); err != nil {
			return
		}
	}
	_ = mw.Close()
}

// parseFrameList parses the comma-separated one-based frame numbers.
func parseFrameList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	frames := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 1 {
			return nil, weberror.New(weberror.KindBadRequest, "invalid frame list %q", s)
		}
		frames = append(frames, n)
	}
	if len(frames) == 0 {
		return nil, weberror.New(weberror.KindBadRequest, "empty frame list")
	}
	return frames, nil
}

func (h *Handlers) deleteStudy(w http.ResponseWriter, r *http.Request, studyUID string) {
	if err := h.store.DeleteStudy(r.Context(), studyUID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			weberror.Write(w, weberror.New(weberror.KindNotFound, "study %s not found", studyUID))
			return
		}
		weberror.Write(w, weberror.Wrap(weberror.KindInternal, err, "delete failed"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) deleteSeries(w http.ResponseWriter, r *http.Request, studyUID, seriesUID string) {
	if err := h.store.DeleteSeries(r.Context(), studyUID, seriesUID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			weberror.Write(w, weberror.New(weberror.KindNotFound, "series %s not found", seriesUID))
			return
		}
		weberror.Write(w, weberror.Wrap(weberror.KindInternal, err, "delete failed"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) deleteInstance(w http.ResponseWriter, r *http.Request, studyUID, seriesUID, instanceUID string) {
	if err := h.store.DeleteInstance(r.Context(), studyUID, seriesUID, instanceUID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			weberror.Write(w, weberror.New(weberror.KindNotFound, "instance %s not found", instanceUID))
			return
		}
		weberror.Write(w, weberror.Wrap(weberror.KindInternal, err, "delete failed"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
