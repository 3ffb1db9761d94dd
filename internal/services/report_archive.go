package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"

	"github.com/AnshRaj112/patient-portal-backend/internal/models"
)

const DefaultArchiveFolder = "audit-reports"

var ErrArchiveDisabled = errors.New("report archive storage is not configured")

// ArchivedReport locates an uploaded report. SHA256 covers the uploaded bytes
// so a later download can be checked against what was generated.
type ArchivedReport struct {
	URL      string `json:"url"`
	PublicID string `json:"public_id"`
	SHA256   string `json:"sha256"`
	Bytes    int    `json:"bytes"`
}

type ReportArchiver interface {
	ArchiveReport(ctx context.Context, report *models.AuditReport) (*ArchivedReport, error)
}

// CloudinaryArchiver stores reports as raw JSON assets.
type CloudinaryArchiver struct {
	cld    *cloudinary.Cloudinary
	folder string
}

func NewCloudinaryArchiver(cloudName, apiKey, apiSecret, folder string) (*CloudinaryArchiver, error) {
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Cloudinary: %w", err)
	}
	if folder == "" {
		folder = DefaultArchiveFolder
	}
	return &CloudinaryArchiver{cld: cld, folder: folder}, nil
}

// ReportPublicID names an archived report after its range and generation time.
func ReportPublicID(report *models.AuditReport) string {
	return fmt.Sprintf("audit-report_%s_%s_%d",
		report.StartDate.UTC().Format("20060102T150405"),
		report.EndDate.UTC().Format("20060102T150405"),
		report.GeneratedAt.UTC().Unix())
}

func (a *CloudinaryArchiver) ArchiveReport(ctx context.Context, report *models.AuditReport) (*ArchivedReport, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	sum := sha256.Sum256(data)
	publicID := ReportPublicID(report)

	res, err := a.cld.Upload.Upload(ctx, bytes.NewReader(data), uploader.UploadParams{
		Folder:       a.folder,
		PublicID:     publicID,
		ResourceType: "raw",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to Cloudinary: %w", err)
	}
	if res.Error.Message != "" {
		return nil, fmt.Errorf("cloudinary rejected report upload: %s", res.Error.Message)
	}

	return &ArchivedReport{
		URL:      res.SecureURL,
		PublicID: res.PublicID,
		SHA256:   hex.EncodeToString(sum[:]),
		Bytes:    len(data),
	}, nil
}
