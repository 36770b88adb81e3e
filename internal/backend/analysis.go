package backend

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/safelease/risk-platform/internal/model"
)

// CreateCase opens a case for an address.
func (c *Client) CreateCase(ctx context.Context, req *model.CreateCaseRequest) (*model.Case, error) {
	var kase model.Case
	if err := c.doJSON(ctx, "case_create", http.MethodPost, "/case", req, &kase); err != nil {
		return nil, err
	}
	return &kase, nil
}

// UpdateCase patches contract details of a case.
func (c *Client) UpdateCase(ctx context.Context, id string, req *model.UpdateCaseRequest) (*model.Case, error) {
	var kase model.Case
	if err := c.doJSON(ctx, "case_update", http.MethodPatch, "/case/"+url.PathEscape(id), req, &kase); err != nil {
		return nil, err
	}
	return &kase, nil
}

// UploadRegistry streams a registry PDF to the backend as multipart form data.
func (c *Client) UploadRegistry(ctx context.Context, caseID, filename string, file io.Reader) (*model.RegistryUploadResult, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		err := writeRegistryForm(form, caseID, filename, file)
		pw.CloseWithError(err)
	}()

	var upload model.RegistryUploadResult
	if err := c.do(ctx, "registry_upload", http.MethodPost, "/registry/upload", form.FormDataContentType(), pr, &upload); err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	return &upload, nil
}

func writeRegistryForm(form *multipart.Writer, caseID, filename string, file io.Reader) error {
	if err := form.WriteField("case_id", caseID); err != nil {
		return err
	}
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to copy registry file: %w", err)
	}
	return form.Close()
}

// GetReport fetches a finished report.
func (c *Client) GetReport(ctx context.Context, id string) (*model.Report, error) {
	var report model.Report
	if err := c.doJSON(ctx, "report_get", http.MethodGet, "/report/"+url.PathEscape(id), nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Credits returns the caller's remaining analysis credits.
func (c *Client) Credits(ctx context.Context) (*model.CreditBalance, error) {
	var balance model.CreditBalance
	if err := c.doJSON(ctx, "credits_get", http.MethodGet, "/credits", nil, &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// StartAnalysis kicks off the analysis of a case.
func (c *Client) StartAnalysis(ctx context.Context, req *model.StartAnalysisRequest) (*model.StartAnalysisResponse, error) {
	var resp model.StartAnalysisResponse
	if err := c.doJSON(ctx, "analyze_start", http.MethodPost, "/analyze/start", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StreamAnalysis opens the progress stream of a running analysis.
func (c *Client) StreamAnalysis(ctx context.Context, caseID string) (*Stream, error) {
	return c.openStream(ctx, "analyze_stream", "/analyze/stream?case_id="+url.QueryEscape(caseID))
}

// SearchAddress queries the address lookup served by the gateway.
func (c *Client) SearchAddress(ctx context.Context, query string) (*model.AddressSearchResponse, error) {
	var resp model.AddressSearchResponse
	if err := c.doJSON(ctx, "address_search", http.MethodGet, "/address/search?q="+url.QueryEscape(query), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
