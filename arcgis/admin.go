package arcgis

import (
	"context"
	"fmt"
	"strings"

	"github.com/jtacoma/uritemplates"
)

// Admin resource paths, relative to admin/. Service names keep their
// folder, so they use reserved expansion.
var (
	serviceActionTemplate = mustTemplate("services/{+name}.{type}/{action}")
	folderReportTemplate  = mustTemplate("services/{+folder}/report")
)

func mustTemplate(raw string) *uritemplates.UriTemplate {
	t, err := uritemplates.Parse(raw)
	if err != nil {
		panic(err)
	}

	return t
}

func adminServiceEndpoint(svc ServiceRef, action string) (Endpoint, error) {
	if svc.Name == "" || svc.Type == "" {
		return Endpoint{}, fmt.Errorf("%w: service name and type are required", ErrInvalidEndpoint)
	}

	path, err := serviceActionTemplate.Expand(map[string]interface{}{
		"name":   strings.Trim(svc.Name, "/"),
		"type":   svc.Type,
		"action": action,
	})
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}

	return AdminEndpoint(path)
}

// ServiceStatusResponse is the reply of a service's status resource.
type ServiceStatusResponse struct {
	PortalResponse

	// Expected is the configured state, Actual the real time state.
	Expected string `json:"configuredState"`
	Actual   string `json:"realTimeState"`
}

// Running reports whether the service is started.
func (r *ServiceStatusResponse) Running() bool {
	return strings.EqualFold(r.Actual, "STARTED")
}

// StartStopResponse is the reply of start and stop.
type StartStopResponse struct {
	PortalResponse

	Status string `json:"status"`
}

// ServiceStatus returns the configured and real time state of svc. It
// needs an administrator token.
func (g *Gateway) ServiceStatus(ctx context.Context, svc ServiceRef) (*ServiceStatusResponse, error) {
	ep, err := adminServiceEndpoint(svc, "status")
	if err != nil {
		return nil, err
	}

	var resp ServiceStatusResponse
	if err := g.Get(ctx, NewOperation(ep, nil), &resp); err != nil {
		return nil, fmt.Errorf("getting status of %s: %w", svc.Name, err)
	}

	return &resp, nil
}

// StartService starts svc.
func (g *Gateway) StartService(ctx context.Context, svc ServiceRef) (*StartStopResponse, error) {
	return g.startStop(ctx, svc, "start")
}

// StopService stops svc.
func (g *Gateway) StopService(ctx context.Context, svc ServiceRef) (*StartStopResponse, error) {
	return g.startStop(ctx, svc, "stop")
}

func (g *Gateway) startStop(ctx context.Context, svc ServiceRef, action string) (*StartStopResponse, error) {
	ep, err := adminServiceEndpoint(svc, action)
	if err != nil {
		return nil, err
	}

	var resp StartStopResponse
	if err := g.Post(ctx, NewOperation(ep, nil), &resp); err != nil {
		return nil, fmt.Errorf("%s %s: %w", action, svc.Name, err)
	}

	return &resp, nil
}

// ServiceStatistics is the instance summary of a service.
type ServiceStatistics struct {
	FolderName          string `json:"folderName"`
	ServiceName         string `json:"serviceName"`
	Type                string `json:"type"`
	MachineName         string `json:"machineName,omitempty"`
	StartTime           string `json:"startTime,omitempty"`
	Max                 int    `json:"max"`
	Busy                int    `json:"busy"`
	Free                int    `json:"free"`
	Initializing        int    `json:"initializing"`
	NotCreated          int    `json:"notCreated"`
	Transactions        int    `json:"transactions"`
	TotalBusyTime       int    `json:"totalBusyTime"`
	StatisticsAvailable bool   `json:"isStatisticsAvailable"`
}

// ServiceStatisticsResponse is the reply of a service's statistics
// resource.
type ServiceStatisticsResponse struct {
	PortalResponse

	Summary    ServiceStatistics   `json:"summary"`
	PerMachine []ServiceStatistics `json:"perMachine"`
}

// ServiceStatistics returns instance statistics for svc across the
// cluster.
func (g *Gateway) ServiceStatistics(ctx context.Context, svc ServiceRef) (*ServiceStatisticsResponse, error) {
	ep, err := adminServiceEndpoint(svc, "statistics")
	if err != nil {
		return nil, err
	}

	var resp ServiceStatisticsResponse
	if err := g.Get(ctx, NewOperation(ep, nil), &resp); err != nil {
		return nil, fmt.Errorf("getting statistics of %s: %w", svc.Name, err)
	}

	return &resp, nil
}

// ServiceReport is one service in a folder report.
type ServiceReport struct {
	FolderName  string                `json:"folderName"`
	ServiceName string                `json:"serviceName"`
	Type        string                `json:"type"`
	Description string                `json:"description,omitempty"`
	Status      ServiceStatusResponse `json:"status"`
}

// Service returns the report's service reference.
func (r ServiceReport) Service() ServiceRef {
	return ServiceRef{
		Name: strings.Trim(r.FolderName+"/"+r.ServiceName, "/"),
		Type: r.Type,
	}
}

// FolderReportResponse is the reply of a folder report.
type FolderReportResponse struct {
	PortalResponse

	Reports []ServiceReport `json:"reports"`
}

// FolderReport returns the status of every service in folder. An empty
// folder is the root folder.
func (g *Gateway) FolderReport(ctx context.Context, folder string) (*FolderReportResponse, error) {
	path := "services/report"

	if folder = strings.Trim(folder, "/"); folder != "" {
		expanded, err := folderReportTemplate.Expand(map[string]interface{}{"folder": folder})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
		}

		path = expanded
	}

	ep, err := AdminEndpoint(path)
	if err != nil {
		return nil, err
	}

	var resp FolderReportResponse
	if err := g.Get(ctx, NewOperation(ep, nil), &resp); err != nil {
		return nil, fmt.Errorf("getting report for folder %q: %w", folder, err)
	}

	return &resp, nil
}
