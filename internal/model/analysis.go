package model

import (
	"time"
)

// ContractType is the kind of real-estate contract under analysis.
type ContractType string

const (
	ContractJeonse    ContractType = "jeonse"    // deposit-only lease
	ContractBanjeonse ContractType = "banjeonse" // deposit plus monthly rent
	ContractWolse     ContractType = "wolse"     // monthly rent
	ContractSale      ContractType = "sale"
)

// Valid reports whether t is one of the known contract types.
func (t ContractType) Valid() bool {
	switch t {
	case ContractJeonse, ContractBanjeonse, ContractWolse, ContractSale:
		return true
	}
	return false
}

// HasMonthlyRent reports whether the contract type carries a monthly rent.
func (t ContractType) HasMonthlyRent() bool {
	return t == ContractBanjeonse || t == ContractWolse
}

// RegistryMethod is how the property registry document is obtained.
type RegistryMethod string

const (
	RegistryIssue  RegistryMethod = "issue"
	RegistryUpload RegistryMethod = "upload"
)

// FileRef points at an uploaded registry document.
type FileRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
}

// AnalysisContext is the wizard's working memory for one in-progress case.
type AnalysisContext struct {
	CaseID          string             `json:"case_id,omitempty"`
	Address         string             `json:"address,omitempty"`
	Candidates      []AddressCandidate `json:"candidates,omitempty"`
	ContractType    ContractType       `json:"contract_type,omitempty"`
	Deposit         int64              `json:"deposit,omitempty"`
	Price           int64              `json:"price,omitempty"`
	MonthlyRent     int64              `json:"monthly_rent,omitempty"`
	RegistryMethod  RegistryMethod     `json:"registry_method,omitempty"`
	UploadedFile    *FileRef           `json:"uploaded_file,omitempty"`
	Credits         int                `json:"credits"`
	AnalysisStarted bool               `json:"analysis_started,omitempty"`
	ReportID        string             `json:"report_id,omitempty"`
}

// Case is the server-side record of one analysis.
type Case struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id,omitempty"`
	Address        string         `json:"address"`
	ContractType   ContractType   `json:"contract_type,omitempty"`
	Deposit        int64          `json:"deposit,omitempty"`
	Price          int64          `json:"price,omitempty"`
	MonthlyRent    int64          `json:"monthly_rent,omitempty"`
	RegistryMethod RegistryMethod `json:"registry_method,omitempty"`
	RegistryFile   string         `json:"registry_file,omitempty"`
	Status         string         `json:"status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CreateCaseRequest is the request to open a case.
type CreateCaseRequest struct {
	Address  string `json:"address"`
	RoadAddr string `json:"road_address,omitempty"`
	LotAddr  string `json:"lot_address,omitempty"`
	ZipCode  string `json:"zip_code,omitempty"`
}

// UpdateCaseRequest is the request to update a case. Nil fields are left unchanged.
type UpdateCaseRequest struct {
	ContractType   *ContractType   `json:"contract_type,omitempty"`
	Deposit        *int64          `json:"deposit,omitempty"`
	Price          *int64          `json:"price,omitempty"`
	MonthlyRent    *int64          `json:"monthly_rent,omitempty"`
	RegistryMethod *RegistryMethod `json:"registry_method,omitempty"`
}

// RegistryUploadResult is the result of uploading a registry PDF.
type RegistryUploadResult struct {
	CaseID  string `json:"case_id"`
	FileURL string `json:"file_url"`
	Size    int64  `json:"size,omitempty"`
}

// StartAnalysisRequest starts the backend analysis for a case.
type StartAnalysisRequest struct {
	CaseID string `json:"case_id"`
}

// StartAnalysisResponse acknowledges an analysis start.
type StartAnalysisResponse struct {
	CaseID           string `json:"case_id"`
	Status           string `json:"status"`
	RemainingCredits int    `json:"remaining_credits"`
}

// CreditBalance is the caller's remaining analysis credits.
type CreditBalance struct {
	Credits int `json:"credits"`
}

// RiskFinding is one issue surfaced by the analysis.
type RiskFinding struct {
	Category string `json:"category"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
}

// Report is the finished risk report for a case.
type Report struct {
	ID        string        `json:"id"`
	CaseID    string        `json:"case_id"`
	RiskScore int           `json:"risk_score"`
	RiskLevel string        `json:"risk_level,omitempty"`
	Summary   string        `json:"summary"`
	Findings  []RiskFinding `json:"findings,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// AddressCandidate is one normalized result from the address lookup.
type AddressCandidate struct {
	RoadAddress  string `json:"road_address"`
	LotAddress   string `json:"lot_address,omitempty"`
	ZipCode      string `json:"zip_code,omitempty"`
	BuildingName string `json:"building_name,omitempty"`
	BuildingCode string `json:"building_code,omitempty"`
}

// AddressSearchResponse is the reshaped address lookup result.
type AddressSearchResponse struct {
	Query      string             `json:"query"`
	TotalCount int                `json:"total_count"`
	Candidates []AddressCandidate `json:"candidates"`
}
