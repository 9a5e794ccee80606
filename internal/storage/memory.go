package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/dicomkit/dicomweb-server/internal/dicomjson"
	"github.com/dicomkit/dicomweb-server/internal/models"
)

// MemoryProvider is the in-memory reference implementation of Provider.
type MemoryProvider struct {
	mu      sync.RWMutex
	studies map[string]map[string]map[string]*models.Instance
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		studies: make(map[string]map[string]map[string]*models.Instance),
	}
}

// StoreInstance stores or replaces an instance under its UID triple.
func (m *MemoryProvider) StoreInstance(ctx context.Context, inst *models.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	series, ok := m.studies[inst.StudyInstanceUID]
	if !ok {
		series = make(map[string]map[string]*models.Instance)
		m.studies[inst.StudyInstanceUID] = series
	}
	instances, ok := series[inst.SeriesInstanceUID]
	if !ok {
		instances = make(map[string]*models.Instance)
		series[inst.SeriesInstanceUID] = instances
	}
	instances[inst.SOPInstanceUID] = inst.Clone()
	return nil
}

// GetInstance retrieves an instance by its UID triple.
func (m *MemoryProvider) GetInstance(ctx context.Context, studyUID, seriesUID, instanceUID string) (*models.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.studies[studyUID][seriesUID][instanceUID]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

// InstanceExists reports whether the UID triple is stored.
func (m *MemoryProvider) InstanceExists(ctx context.Context, studyUID, seriesUID, instanceUID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.studies[studyUID][seriesUID][instanceUID]
	return ok, nil
}

// DeleteInstance removes one instance, pruning empty series and studies so a
// series is only counted while it holds at least one instance.
func (m *MemoryProvider) DeleteInstance(ctx context.Context, studyUID, seriesUID, instanceUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	instances, ok := m.studies[studyUID][seriesUID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := instances[instanceUID]; !ok {
		return ErrNotFound
	}
	delete(instances, instanceUID)
	if len(instances) == 0 {
		delete(m.studies[studyUID], seriesUID)
	}
	if len(m.studies[studyUID]) == 0 {
		delete(m.studies, studyUID)
	}
	return nil
}

// DeleteSeries removes a series and its instances.
func (m *MemoryProvider) DeleteSeries(ctx context.Context, studyUID, seriesUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.studies[studyUID][seriesUID]; !ok {
		return ErrNotFound
	}
	delete(m.studies[studyUID], seriesUID)
	if len(m.studies[studyUID]) == 0 {
		delete(m.studies, studyUID)
	}
	return nil
}

// DeleteStudy removes a study and everything under it.
func (m *MemoryProvider) DeleteStudy(ctx context.Context, studyUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.studies[studyUID]; !ok {
		return ErrNotFound
	}
	delete(m.studies, studyUID)
	return nil
}

// SearchStudies aggregates per-study summaries matching the query.
func (m *MemoryProvider) SearchStudies(ctx context.Context, q Query) ([]models.StudySummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	studyUIDs := make([]string, 0, len(m.studies))
	for uid := range m.studies {
		studyUIDs = append(studyUIDs, uid)
	}
	sort.Strings(studyUIDs)

	var results []models.StudySummary
	for _, uid := range studyUIDs {
		summary := m.summarizeStudy(uid)
		if !matchStudy(summary, q) {
			continue
		}
		results = append(results, summary)
	}
	return paginate(results, q.Offset, q.Limit), nil
}

func (m *MemoryProvider) summarizeStudy(studyUID string) models.StudySummary {
	s := models.StudySummary{StudyInstanceUID: studyUID}
	modalities := map[string]bool{}
	seriesUIDs := sortedKeys(m.studies[studyUID])
	for _, seriesUID := range seriesUIDs {
		instances := m.studies[studyUID][seriesUID]
		s.NumberOfSeries++
		s.NumberOfInstances += len(instances)
		for _, uid := range sortedKeys(instances) {
			inst := instances[uid]
			attrs := inst.Attributes
			if s.PatientID == "" {
				s.PatientID = attrs.String(dicomjson.TagPatientID)
			}
			if s.PatientName == "" {
				s.PatientName = attrs.String(dicomjson.TagPatientName)
			}
			if s.PatientBirthDate == "" {
				s.PatientBirthDate = attrs.String(dicomjson.TagPatientBirthDate)
			}
			if s.PatientSex == "" {
				s.PatientSex = attrs.String(dicomjson.TagPatientSex)
			}
			if s.StudyDate == "" {
				s.StudyDate = attrs.String(dicomjson.TagStudyDate)
			}
			if s.StudyTime == "" {
				s.StudyTime = attrs.String(dicomjson.TagStudyTime)
			}
			if s.StudyDescription == "" {
				s.StudyDescription = attrs.String(dicomjson.TagStudyDescription)
			}
			if s.AccessionNumber == "" {
				s.AccessionNumber = attrs.String(dicomjson.TagAccessionNumber)
			}
			if s.ReferringPhysician == "" {
				s.ReferringPhysician = attrs.String(dicomjson.TagReferringPhysicianName)
			}
			if mod := attrs.String(dicomjson.TagModality); mod != "" {
				modalities[mod] = true
			}
		}
	}
	for mod := range modalities {
		s.ModalitiesInStudy = append(s.ModalitiesInStudy, mod)
	}
	sort.Strings(s.ModalitiesInStudy)
	return s
}

func matchStudy(s models.StudySummary, q Query) bool {
	if q.StudyInstanceUID != "" && q.StudyInstanceUID != s.StudyInstanceUID {
		return false
	}
	if !MatchText(q.PatientName, s.PatientName, q.FuzzyMatching) {
		return false
	}
	if !MatchText(q.PatientID, s.PatientID, q.FuzzyMatching) {
		return false
	}
	if !MatchText(q.AccessionNumber, s.AccessionNumber, false) {
		return false
	}
	if q.Modality != "" {
		found := false
		for _, mod := range s.ModalitiesInStudy {
			if mod == q.Modality {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.StudyDate != nil && !q.StudyDate.Contains(s.StudyDate) {
		return false
	}
	return true
}

// SearchSeries lists series summaries within a study.
func (m *MemoryProvider) SearchSeries(ctx context.Context, studyUID string, q Query) ([]models.SeriesSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series, ok := m.studies[studyUID]
	if !ok {
		return nil, ErrNotFound
	}
	var results []models.SeriesSummary
	for _, seriesUID := range sortedKeys(series) {
		instances := series[seriesUID]
		s := models.SeriesSummary{
			StudyInstanceUID:  studyUID,
			SeriesInstanceUID: seriesUID,
			NumberOfInstances: len(instances),
		}
		for _, uid := range sortedKeys(instances) {
			attrs := instances[uid].Attributes
			if s.Modality == "" {
				s.Modality = attrs.String(dicomjson.TagModality)
			}
			if s.SeriesDescription == "" {
				s.SeriesDescription = attrs.String(dicomjson.TagSeriesDescription)
			}
			if s.SeriesDate == "" {
				s.SeriesDate = attrs.String(dicomjson.TagSeriesDate)
			}
			if s.SeriesTime == "" {
				s.SeriesTime = attrs.String(dicomjson.TagSeriesTime)
			}
			if s.SeriesNumber == 0 {
				s.SeriesNumber, _ = attrs.Int(dicomjson.TagSeriesNumber)
			}
		}
		if q.Modality != "" && s.Modality != q.Modality {
			continue
		}
		results = append(results, s)
	}
	return paginate(results, q.Offset, q.Limit), nil
}

// SearchInstances lists instance summaries within a series.
func (m *MemoryProvider) SearchInstances(ctx context.Context, studyUID, seriesUID string, q Query) ([]models.InstanceSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	instances, ok := m.studies[studyUID][seriesUID]
	if !ok {
		return nil, ErrNotFound
	}
	var results []models.InstanceSummary
	for _, uid := range sortedKeys(instances) {
		inst := instances[uid]
		s := models.InstanceSummary{
			StudyInstanceUID:  studyUID,
			SeriesInstanceUID: seriesUID,
			SOPInstanceUID:    uid,
			SOPClassUID:       inst.SOPClassUID,
		}
		s.InstanceNumber, _ = inst.Attributes.Int(dicomjson.TagInstanceNumber)
		s.NumberOfFrames, _ = inst.Attributes.Int(dicomjson.TagNumberOfFrames)
		results = append(results, s)
	}
	return paginate(results, q.Offset, q.Limit), nil
}

// GetSeriesInstances returns every instance of a series.
func (m *MemoryProvider) GetSeriesInstances(ctx context.Context, studyUID, seriesUID string) ([]*models.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	instances, ok := m.studies[studyUID][seriesUID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*models.Instance, 0, len(instances))
	for _, uid := range sortedKeys(instances) {
		out = append(out, instances[uid].Clone())
	}
	return out, nil
}

// GetStudyInstances returns every instance of a study.
func (m *MemoryProvider) GetStudyInstances(ctx context.Context, studyUID string) ([]*models.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series, ok := m.studies[studyUID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []*models.Instance
	for _, seriesUID := range sortedKeys(series) {
		for _, uid := range sortedKeys(series[seriesUID]) {
			out = append(out, series[seriesUID][uid].Clone())
		}
	}
	return out, nil
}

// CountSeries returns the number of series in a study.
func (m *MemoryProvider) CountSeries(ctx context.Context, studyUID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.studies[studyUID]), nil
}

// CountInstances returns the number of instances in a study.
func (m *MemoryProvider) CountInstances(ctx context.Context, studyUID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, instances := range m.studies[studyUID] {
		n += len(instances)
	}
	return n, nil
}

// TotalInstances returns the number of stored instances.
func (m *MemoryProvider) TotalInstances(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, series := range m.studies {
		for _, instances := range series {
			n += len(instances)
		}
	}
	return n, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
