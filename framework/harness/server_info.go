package harness

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fhir-harness/fhir-test-harness/fhirmodel"
	"github.com/fhir-harness/fhir-test-harness/framework"
)

const (
	healthCheckPath = "/health/check"
	metadataPath    = "/metadata"
)

// ServerInfo is what the harness learned about the FHIR server when it started.
type ServerInfo struct {
	BaseURL     string
	Software    string
	Version     string
	FHIRVersion string
	Formats     []string

	// Healthy is true if the server answered its health check. It is false, but the server is still
	// usable, if the server has no health endpoint.
	Healthy bool

	// Capabilities is derived from Metadata; see fhirmodel.DeriveCapabilities.
	Capabilities framework.Capabilities

	Metadata fhirmodel.CapabilityStatement

	// FullData is the raw CapabilityStatement JSON.
	FullData []byte
}

func (s ServerInfo) Description() string {
	desc := s.Software
	if s.Version != "" {
		desc += " " + s.Version
	}
	if desc == "" {
		desc = "unknown server"
	}
	return fmt.Sprintf("%s (FHIR %s) at %s", desc, s.FHIRVersion, s.BaseURL)
}

// queryServerInfo waits for the server to come up, then reads its CapabilityStatement.
//
// It polls the health endpoint until it gets any HTTP response. A 404 from the health endpoint
// means the server does not have one, and is not an error.
func queryServerInfo(
	client *http.Client,
	baseURL string,
	timeout time.Duration,
	output io.Writer,
) (ServerInfo, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	_, _ = fmt.Fprintf(output, "Connecting to FHIR server at %s", baseURL)

	info := ServerInfo{BaseURL: baseURL}
	deadline := time.Now().Add(timeout)
	for {
		_, _ = fmt.Fprint(output, ".")
		status, _, err := getWithClient(client, baseURL+healthCheckPath, "application/json")
		if err == nil && status < 500 {
			_, _ = fmt.Fprintln(output)
			switch {
			case status == http.StatusOK:
				info.Healthy = true
			case status == http.StatusNotFound:
				_, _ = fmt.Fprintln(output, "Server has no health endpoint; using the capability statement only")
			default:
				return ServerInfo{}, fmt.Errorf("health check returned status code %d", status)
			}
			break
		}
		if !time.Now().Before(deadline) {
			_, _ = fmt.Fprintln(output)
			if err == nil {
				err = fmt.Errorf("status code %d", status)
			}
			return ServerInfo{}, fmt.Errorf("timed out waiting for server, result of last query was: %w", err)
		}
		time.Sleep(time.Millisecond * 100)
	}

	status, body, err := getWithClient(client, baseURL+metadataPath, fhirmodel.ContentTypeFHIRJSON)
	if err != nil {
		return ServerInfo{}, fmt.Errorf("capability statement query failed: %w", err)
	}
	if status != http.StatusOK {
		return ServerInfo{}, fmt.Errorf("capability statement query returned status code %d", status)
	}
	var cs fhirmodel.CapabilityStatement
	if err := json.Unmarshal(body, &cs); err != nil || cs.ResourceType != "CapabilityStatement" {
		return ServerInfo{}, fmt.Errorf("malformed capability statement: %s", truncate(string(body), 200))
	}

	info.Metadata = cs
	info.FullData = body
	info.FHIRVersion = cs.FHIRVersion
	info.Formats = cs.Format
	if cs.Software != nil {
		info.Software = cs.Software.Name
		info.Version = cs.Software.Version
	}
	info.Capabilities = fhirmodel.DeriveCapabilities(cs)
	_, _ = fmt.Fprintf(output, "Server is %s\n", info.Description())
	return info, nil
}

func getWithClient(client *http.Client, url, accept string) (int, []byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", accept)
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
