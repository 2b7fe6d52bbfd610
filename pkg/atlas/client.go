package atlas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mongodb-forks/digest"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBaseURL is the public Atlas API endpoint.
	DefaultBaseURL = "https://cloud.mongodb.com"

	// clustersAPIVersion is the versioned media type for the v2 clusters API.
	clustersAPIVersion = "application/vnd.atlas.2024-10-23+json"

	defaultRequestTimeout = 2 * time.Minute
)

// Client talks to the MongoDB Atlas Administration API for a single
// project, using HTTP digest authentication.
type Client struct {
	httpClient *http.Client
	baseURL    string
	projectID  string
	logger     *logrus.Logger
}

// NewClient creates an Atlas API client. baseURL may be empty to use the
// public Atlas endpoint.
func NewClient(projectID, publicKey, privateKey, baseURL string, logger *logrus.Logger) (*Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("atlas project ID is required")
	}
	if publicKey == "" || privateKey == "" {
		return nil, fmt.Errorf("atlas API key pair is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	transport := digest.NewTransport(publicKey, privateKey)
	httpClient, err := transport.Client()
	if err != nil {
		return nil, fmt.Errorf("failed to create digest auth client: %w", err)
	}
	httpClient.Timeout = defaultRequestTimeout

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		projectID:  projectID,
		logger:     logger,
	}, nil
}

// Process is one mongod/mongos process of the project, as returned by the
// v1 processes API.
type Process struct {
	ID             string `json:"id"`
	Hostname       string `json:"hostname"`
	Port           int    `json:"port"`
	ReplicaSetName string `json:"replicaSetName"`
	TypeName       string `json:"typeName"`
	UserAlias      string `json:"userAlias"`
}

type processesResponse struct {
	Results []Process `json:"results"`
}

// MeasurementPoint is one averaged sample of a measurement series.
type MeasurementPoint struct {
	Value *float64 `json:"value"`
}

type measurementsResponse struct {
	Measurements []MeasurementPoint `json:"measurements"`
}

// GetCluster fetches the live cluster description via the v2 clusters API.
// The description is a fresh snapshot; it is never cached.
func (c *Client) GetCluster(ctx context.Context, clusterName string) (*ClusterDescription, error) {
	endpoint := fmt.Sprintf("%s/api/atlas/v2/groups/%s/clusters/%s", c.baseURL, c.projectID, url.PathEscape(clusterName))

	var raw map[string]any
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, clustersAPIVersion, &raw); err != nil {
		return nil, fmt.Errorf("failed to get cluster %s: %w", clusterName, err)
	}
	return &ClusterDescription{raw: raw}, nil
}

// ListProcesses returns all processes of the project (v1 API).
func (c *Client) ListProcesses(ctx context.Context) ([]Process, error) {
	endpoint := fmt.Sprintf("%s/api/atlas/v1.0/groups/%s/processes", c.baseURL, c.projectID)

	var resp processesResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, "", &resp); err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	return resp.Results, nil
}

// GetMeasurements fetches averaged samples of one metric for a process
// over a trailing window (v1 API). granularity and period are ISO-8601
// durations, e.g. PT1M / PT30M.
func (c *Client) GetMeasurements(ctx context.Context, processID, metricName, granularity, period string) ([]MeasurementPoint, error) {
	endpoint := fmt.Sprintf("%s/api/atlas/v1.0/groups/%s/processes/%s/measurements?%s",
		c.baseURL, c.projectID, url.PathEscape(processID),
		url.Values{
			"granularity": []string{granularity},
			"period":      []string{period},
			"m":           []string{metricName},
		}.Encode())

	var resp measurementsResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, "", &resp); err != nil {
		return nil, fmt.Errorf("failed to get %s measurements for process %s: %w", metricName, processID, err)
	}
	return resp.Measurements, nil
}

// UpdateCluster submits a cluster mutation via a single PATCH request
// (v2 API). On rejection the full response body is included in the error
// so a failed batch can be diagnosed without re-running.
func (c *Client) UpdateCluster(ctx context.Context, clusterName string, payload map[string]any) error {
	endpoint := fmt.Sprintf("%s/api/atlas/v2/groups/%s/clusters/%s", c.baseURL, c.projectID, url.PathEscape(clusterName))

	if err := c.doJSON(ctx, http.MethodPatch, endpoint, payload, clustersAPIVersion, nil); err != nil {
		return fmt.Errorf("failed to update cluster %s: %w", clusterName, err)
	}
	return nil
}

// doJSON performs one API request, encoding body (if any) as JSON and
// decoding a 2xx response into out (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, endpoint string, body any, mediaType string, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if mediaType != "" {
		req.Header.Set("Accept", mediaType)
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if body != nil {
		if mediaType != "" {
			req.Header.Set("Content-Type", mediaType)
		} else {
			req.Header.Set("Content-Type", "application/json")
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s returned %d: %s", method, endpoint, resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Values extracts the non-nil sample values from a measurement series,
// applying transform to each when provided.
func Values(points []MeasurementPoint, transform func(float64) float64) []float64 {
	values := make([]float64, 0, len(points))
	for _, p := range points {
		if p.Value == nil {
			continue
		}
		v := *p.Value
		if transform != nil {
			v = transform(v)
		}
		values = append(values, v)
	}
	return values
}
