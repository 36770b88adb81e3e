// Package address looks up Korean road-name addresses through the
// government Juso open API.
package address

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/safelease/risk-platform/internal/backend"
	"github.com/safelease/risk-platform/internal/model"
	"github.com/safelease/risk-platform/pkg/logger"
	"github.com/safelease/risk-platform/pkg/metrics"
)

// DefaultURL is the public Juso search endpoint.
const DefaultURL = "https://business.juso.go.kr/addrlink/addrLinkApi.do"

const (
	defaultLimit = 10
	maxLimit     = 100
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("address lookup is not configured")

// Client queries the Juso API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
	tracer     trace.Tracer
}

// NewClient creates a Juso client. An empty baseURL uses DefaultURL.
func NewClient(baseURL, apiKey string, log *logger.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.OrGlobal(log).Named("address"),
		tracer:     otel.Tracer("address"),
	}
}

type jusoResponse struct {
	Results struct {
		Common struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
			TotalCount   string `json:"totalCount"`
		} `json:"common"`
		Juso []jusoEntry `json:"juso"`
	} `json:"results"`
}

type jusoEntry struct {
	RoadAddr  string `json:"roadAddr"`
	JibunAddr string `json:"jibunAddr"`
	ZipNo     string `json:"zipNo"`
	BdNm      string `json:"bdNm"`
	BdMgtSn   string `json:"bdMgtSn"`
}

// Search returns up to limit candidates for query. Queries shorter than two
// characters are rejected without a call.
func (c *Client) Search(ctx context.Context, query string, limit int) (resp *model.AddressSearchResponse, err error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: %w", backend.ErrUnavailable, ErrNotConfigured)
	}
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < 2 {
		return nil, fmt.Errorf("%w: query too short", backend.ErrInvalidRequest)
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	ctx, span := c.tracer.Start(ctx, "address.search", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.Int("address.limit", limit))
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.RecordBackendCall("address_juso", outcome, time.Since(start).Seconds())
		span.End()
	}()

	params := url.Values{}
	params.Set("confmKey", c.apiKey)
	params.Set("currentPage", "1")
	params.Set("countPerPage", strconv.Itoa(limit))
	params.Set("keyword", query)
	params.Set("resultType", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create address request: %w", err)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, context.Canceled
		}
		return nil, fmt.Errorf("%w: address lookup: %v", backend.ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: address lookup returned %d", backend.ErrUnavailable, httpResp.StatusCode)
	}

	var body jusoResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: malformed address response: %v", backend.ErrUnavailable, err)
	}

	common := body.Results.Common
	if common.ErrorCode != "" && common.ErrorCode != "0" {
		c.logger.Warn("address lookup rejected",
			zap.String("code", common.ErrorCode),
			zap.String("message", common.ErrorMessage),
		)
		return nil, fmt.Errorf("%w: %s", errorKind(common.ErrorCode), common.ErrorMessage)
	}

	total, _ := strconv.Atoi(common.TotalCount)
	out := &model.AddressSearchResponse{
		Query:      query,
		TotalCount: total,
		Candidates: make([]model.AddressCandidate, 0, len(body.Results.Juso)),
	}
	for _, j := range body.Results.Juso {
		out.Candidates = append(out.Candidates, model.AddressCandidate{
			RoadAddress:  j.RoadAddr,
			LotAddress:   j.JibunAddr,
			ZipCode:      j.ZipNo,
			BuildingName: j.BdNm,
			BuildingCode: j.BdMgtSn,
		})
	}
	span.SetAttributes(attribute.Int("address.results", len(out.Candidates)))
	return out, nil
}

// errorKind maps Juso error codes. E0001..E0003 are key and
// configuration problems on our side; the rest describe the query.
func errorKind(code string) error {
	switch code {
	case "E0001", "E0002", "E0003", "-999":
		return backend.ErrUnavailable
	default:
		return backend.ErrInvalidRequest
	}
}
