package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dicomkit/dicomweb-server/internal/dicomjson"
	"github.com/dicomkit/dicomweb-server/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InstanceRow is the gorm model backing the instance index.
type InstanceRow struct {
	ID                uint   `gorm:"primaryKey"`
	StudyUID          string `gorm:"type:varchar(64);not null;index;uniqueIndex:idx_instance_triple,priority:1"`
	SeriesUID         string `gorm:"type:varchar(64);not null;index;uniqueIndex:idx_instance_triple,priority:2"`
	SOPInstanceUID    string `gorm:"type:varchar(64);not null;uniqueIndex:idx_instance_triple,priority:3"`
	SOPClassUID       string `gorm:"type:varchar(64);not null"`
	TransferSyntaxUID string `gorm:"type:varchar(64)"`
	PatientID         string `gorm:"type:varchar(64);index"`
	PatientName       string `gorm:"type:varchar(255)"`
	StudyDate         string `gorm:"type:varchar(8);index"`
	AccessionNumber   string `gorm:"type:varchar(16)"`
	Modality          string `gorm:"type:varchar(16)"`
	Attributes        string `gorm:"type:text"`
	Data              []byte `gorm:"type:bytea"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TableName overrides the table name
func (InstanceRow) TableName() string {
	return "dicom_instances"
}

// PostgresProvider implements Provider on top of postgres via gorm.
type PostgresProvider struct {
	db *gorm.DB
}

// NewPostgresProvider migrates the schema and returns the provider.
func NewPostgresProvider(db *gorm.DB) (*PostgresProvider, error) {
	if err := db.AutoMigrate(&InstanceRow{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &PostgresProvider{db: db}, nil
}

func rowFromInstance(inst *models.Instance) (*InstanceRow, error) {
	attrs, err := json.Marshal(inst.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}
	return &InstanceRow{
		StudyUID:          inst.StudyInstanceUID,
		SeriesUID:         inst.SeriesInstanceUID,
		SOPInstanceUID:    inst.SOPInstanceUID,
		SOPClassUID:       inst.SOPClassUID,
		TransferSyntaxUID: inst.TransferSyntaxUID,
		PatientID:         inst.Attributes.String(dicomjson.TagPatientID),
		PatientName:       inst.Attributes.String(dicomjson.TagPatientName),
		StudyDate:         inst.Attributes.String(dicomjson.TagStudyDate),
		AccessionNumber:   inst.Attributes.String(dicomjson.TagAccessionNumber),
		Modality:          inst.Attributes.String(dicomjson.TagModality),
		Attributes:        string(attrs),
		Data:              inst.Data,
	}, nil
}

func (r *InstanceRow) toInstance() (*models.Instance, error) {
	attrs := dicomjson.Dataset{}
	if r.Attributes != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("failed to decode attributes: %w", err)
		}
	}
	return &models.Instance{
		StudyInstanceUID:  r.StudyUID,
		SeriesInstanceUID: r.SeriesUID,
		SOPInstanceUID:    r.SOPInstanceUID,
		SOPClassUID:       r.SOPClassUID,
		TransferSyntaxUID: r.TransferSyntaxUID,
		Attributes:        attrs,
		Data:              r.Data,
		ReceivedAt:        r.CreatedAt,
	}, nil
}

// StoreInstance upserts an instance on its UID triple.
func (p *PostgresProvider) StoreInstance(ctx context.Context, inst *models.Instance) error {
	row, err := rowFromInstance(inst)
	if err != nil {
		return err
	}
	err = p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "study_uid"}, {Name: "series_uid"}, {Name: "sop_instance_uid"},
		},
		UpdateAll: true,
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to store instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by its UID triple.
func (p *PostgresProvider) GetInstance(ctx context.Context, studyUID, seriesUID, instanceUID string) (*models.Instance, error) {
	var row InstanceRow
	err := p.db.WithContext(ctx).
		Where("study_uid = ? AND series_uid = ? AND sop_instance_uid = ?", studyUID, seriesUID, instanceUID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return row.toInstance()
}

// InstanceExists reports whether the UID triple is stored.
func (p *PostgresProvider) InstanceExists(ctx context.Context, studyUID, seriesUID, instanceUID string) (bool, error) {
	var count int64
	err := p.db.WithContext(ctx).Model(&InstanceRow{}).
		Where("study_uid = ? AND series_uid = ? AND sop_instance_uid = ?", studyUID, seriesUID, instanceUID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check existence: %w", err)
	}
	return count > 0, nil
}

// DeleteInstance removes one instance.
func (p *PostgresProvider) DeleteInstance(ctx context.Context, studyUID, seriesUID, instanceUID string) error {
	res := p.db.WithContext(ctx).
		Where("study_uid = ? AND series_uid = ? AND sop_instance_uid = ?", studyUID, seriesUID, instanceUID).
		Delete(&InstanceRow{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete instance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSeries removes a series and its instances.
func (p *PostgresProvider) DeleteSeries(ctx context.Context, studyUID, seriesUID string) error {
	res := p.db.WithContext(ctx).
		Where("study_uid = ? AND series_uid = ?", studyUID, seriesUID).
		Delete(&InstanceRow{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete series: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteStudy removes a study and everything under it.
func (p *PostgresProvider) DeleteStudy(ctx context.Context, studyUID string) error {
	res := p.db.WithContext(ctx).Where("study_uid = ?", studyUID).Delete(&InstanceRow{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete study: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// likePattern translates DICOM wildcards to SQL LIKE syntax.
func likePattern(s string) string {
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	s = strings.ReplaceAll(s, "*", "%")
	s = strings.ReplaceAll(s, "?", "_")
	return s
}

func applyTextFilter(tx *gorm.DB, column, pattern string, fuzzy bool) *gorm.DB {
	if pattern == "" {
		return tx
	}
	if fuzzy {
		return tx.Where(column+" ILIKE ?", "%"+strings.Trim(pattern, "*?")+"%")
	}
	if strings.ContainsAny(pattern, "*?") {
		return tx.Where(column+" LIKE ?", likePattern(pattern))
	}
	return tx.Where(column+" = ?", pattern)
}

// SearchStudies aggregates per-study summaries matching the query.
func (p *PostgresProvider) SearchStudies(ctx context.Context, q Query) ([]models.StudySummary, error) {
	tx := p.db.WithContext(ctx).Model(&InstanceRow{})
	if q.StudyInstanceUID != "" {
		tx = tx.Where("study_uid = ?", q.StudyInstanceUID)
	}
	tx = applyTextFilter(tx, "patient_name", q.PatientName, q.FuzzyMatching)
	tx = applyTextFilter(tx, "patient_id", q.PatientID, q.FuzzyMatching)
	tx = applyTextFilter(tx, "accession_number", q.AccessionNumber, false)
	if q.Modality != "" {
		tx = tx.Where("modality = ?", q.Modality)
	}
	if q.StudyDate != nil {
		if q.StudyDate.Start != "" {
			tx = tx.Where("study_date >= ?", q.StudyDate.Start)
		}
		if q.StudyDate.End != "" {
			tx = tx.Where("study_date <= ?", q.StudyDate.End)
		}
	}

	var rows []InstanceRow
	if err := tx.Order("study_uid, series_uid, sop_instance_uid").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to search studies: %w", err)
	}

	byStudy := map[string]*models.StudySummary{}
	seriesSeen := map[string]map[string]bool{}
	modalities := map[string]map[string]bool{}
	var order []string
	for _, row := range rows {
		s, ok := byStudy[row.StudyUID]
		if !ok {
			s = &models.StudySummary{
				StudyInstanceUID:   row.StudyUID,
				PatientID:          row.PatientID,
				PatientName:        row.PatientName,
				StudyDate:          row.StudyDate,
				AccessionNumber:    row.AccessionNumber,
			}
			byStudy[row.StudyUID] = s
			seriesSeen[row.StudyUID] = map[string]bool{}
			modalities[row.StudyUID] = map[string]bool{}
			order = append(order, row.StudyUID)
		}
		s.NumberOfInstances++
		if !seriesSeen[row.StudyUID][row.SeriesUID] {
			seriesSeen[row.StudyUID][row.SeriesUID] = true
			s.NumberOfSeries++
		}
		if row.Modality != "" {
			modalities[row.StudyUID][row.Modality] = true
		}
	}

	results := make([]models.StudySummary, 0, len(order))
	for _, uid := range order {
		s := byStudy[uid]
		for mod := range modalities[uid] {
			s.ModalitiesInStudy = append(s.ModalitiesInStudy, mod)
		}
		sort.Strings(s.ModalitiesInStudy)
		results = append(results, *s)
	}
	return paginate(results, q.Offset, q.Limit), nil
}

// SearchSeries lists series summaries within a study.
func (p *PostgresProvider) SearchSeries(ctx context.Context, studyUID string, q Query) ([]models.SeriesSummary, error) {
	rows, err := p.studyRows(ctx, studyUID)
	if err != nil {
		return nil, err
	}
	bySeries := map[string]*models.SeriesSummary{}
	var order []string
	for _, row := range rows {
		s, ok := bySeries[row.SeriesUID]
		if !ok {
			s = &models.SeriesSummary{
				StudyInstanceUID:  studyUID,
				SeriesInstanceUID: row.SeriesUID,
				Modality:          row.Modality,
			}
			bySeries[row.SeriesUID] = s
			order = append(order, row.SeriesUID)
		}
		s.NumberOfInstances++
	}
	results := make([]models.SeriesSummary, 0, len(order))
	for _, uid := range order {
		s := bySeries[uid]
		if q.Modality != "" && s.Modality != q.Modality {
			continue
		}
		results = append(results, *s)
	}
	return paginate(results, q.Offset, q.Limit), nil
}

// SearchInstances lists instance summaries within a series.
func (p *PostgresProvider) SearchInstances(ctx context.Context, studyUID, seriesUID string, q Query) ([]models.InstanceSummary, error) {
	var rows []InstanceRow
	err := p.db.WithContext(ctx).
		Where("study_uid = ? AND series_uid = ?", studyUID, seriesUID).
		Order("sop_instance_uid").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to search instances: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	results := make([]models.InstanceSummary, 0, len(rows))
	for _, row := range rows {
		inst, err := row.toInstance()
		if err != nil {
			return nil, err
		}
		s := models.InstanceSummary{
			StudyInstanceUID:  studyUID,
			SeriesInstanceUID: seriesUID,
			SOPInstanceUID:    row.SOPInstanceUID,
			SOPClassUID:       row.SOPClassUID,
		}
		s.InstanceNumber, _ = inst.Attributes.Int(dicomjson.TagInstanceNumber)
		s.NumberOfFrames, _ = inst.Attributes.Int(dicomjson.TagNumberOfFrames)
		results = append(results, s)
	}
	return paginate(results, q.Offset, q.Limit), nil
}

func (p *PostgresProvider) studyRows(ctx context.Context, studyUID string) ([]InstanceRow, error) {
	var rows []InstanceRow
	err := p.db.WithContext(ctx).
		Where("study_uid = ?", studyUID).
		Order("series_uid, sop_instance_uid").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load study: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows, nil
}

// GetSeriesInstances returns every instance of a series.
func (p *PostgresProvider) GetSeriesInstances(ctx context.Context, studyUID, seriesUID string) ([]*models.Instance, error) {
	var rows []InstanceRow
	err := p.db.WithContext(ctx).
		Where("study_uid = ? AND series_uid = ?", studyUID, seriesUID).
		Order("sop_instance_uid").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load series: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rowsToInstances(rows)
}

// GetStudyInstances returns every instance of a study.
func (p *PostgresProvider) GetStudyInstances(ctx context.Context, studyUID string) ([]*models.Instance, error) {
	rows, err := p.studyRows(ctx, studyUID)
	if err != nil {
		return nil, err
	}
	return rowsToInstances(rows)
}

func rowsToInstances(rows []InstanceRow) ([]*models.Instance, error) {
	out := make([]*models.Instance, 0, len(rows))
	for i := range rows {
		inst, err := rows[i].toInstance()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// CountSeries returns the number of series in a study.
func (p *PostgresProvider) CountSeries(ctx context.Context, studyUID string) (int, error) {
	var count int64
	err := p.db.WithContext(ctx).Model(&InstanceRow{}).
		Where("study_uid = ?", studyUID).
		Distinct("series_uid").Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count series: %w", err)
	}
	return int(count), nil
}

// CountInstances returns the number of instances in a study.
func (p *PostgresProvider) CountInstances(ctx context.Context, studyUID string) (int, error) {
	var count int64
	err := p.db.WithContext(ctx).Model(&InstanceRow{}).
		Where("study_uid = ?", studyUID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count instances: %w", err)
	}
	return int(count), nil
}

// TotalInstances returns the number of stored instances.
func (p *PostgresProvider) TotalInstances(ctx context.Context) (int, error) {
	var count int64
	if err := p.db.WithContext(ctx).Model(&InstanceRow{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count instances: %w", err)
	}
	return int(count), nil
}
