package messaging

import (
	"time"
)

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency_ns,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// rttClient is implemented by clients able to measure a server round trip.
type rttClient interface {
	RTT() (time.Duration, error)
}

// CheckClientHealth reports whether client is connected and, when the client
// supports it, the round-trip latency to the broker.
func CheckClientHealth(client Client) HealthStatus {
	status := HealthStatus{}

	if client == nil {
		status.Error = "client is nil"
		return status
	}

	status.Connected = client.IsConnected()
	if !status.Connected {
		status.Error = "not connected to message broker"
		return status
	}

	if rc, ok := client.(rttClient); ok {
		rtt, err := rc.RTT()
		if err != nil {
			status.Error = "round trip failed: " + err.Error()
			return status
		}
		status.Latency = rtt
	}

	return status
}
