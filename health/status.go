package health

// Health status constants represent the operational state of a backend.
const (
	// StatusHealthy indicates the backend is fully operational.
	StatusHealthy = "healthy"

	// StatusDegraded indicates the backend is operational but slow, full,
	// or running without one of its tiers.
	StatusDegraded = "degraded"

	// StatusUnhealthy indicates the backend is not operational.
	StatusUnhealthy = "unhealthy"
)

// Status is the health of one backend or a combination of them.
type Status struct {
	// Status is the current health state (healthy, degraded, or unhealthy).
	Status string `json:"status"`

	// Message provides a human-readable description of the health status.
	Message string `json:"message,omitempty"`

	// Details carries diagnostic context such as latency or the error text.
	Details map[string]any `json:"details,omitempty"`
}

// IsHealthy returns true if the status is StatusHealthy.
func (s Status) IsHealthy() bool {
	return s.Status == StatusHealthy
}

// IsDegraded returns true if the status is StatusDegraded.
func (s Status) IsDegraded() bool {
	return s.Status == StatusDegraded
}

// IsUnhealthy returns true if the status is StatusUnhealthy.
func (s Status) IsUnhealthy() bool {
	return s.Status == StatusUnhealthy
}

// Healthy creates a healthy status.
func Healthy(message string, details map[string]any) Status {
	return Status{Status: StatusHealthy, Message: message, Details: details}
}

// Degraded creates a degraded status.
func Degraded(message string, details map[string]any) Status {
	return Status{Status: StatusDegraded, Message: message, Details: details}
}

// Unhealthy creates an unhealthy status.
func Unhealthy(message string, details map[string]any) Status {
	return Status{Status: StatusUnhealthy, Message: message, Details: details}
}
