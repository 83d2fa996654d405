package gateway

import (
	"fmt"
	"strings"
)

// Service names one of the participant services reachable through the gateway.
type Service string

const (
	ServiceIdentity  Service = "identity"
	ServiceHoldings  Service = "holdings"
	ServiceStrategy  Service = "strategy"
	ServiceExecution Service = "execution"
	ServiceRisk      Service = "risk"
)

// AllServices lists the well-known targets in a stable order.
var AllServices = []Service{
	ServiceIdentity,
	ServiceHoldings,
	ServiceStrategy,
	ServiceExecution,
	ServiceRisk,
}

// ParseService validates a service name.
func ParseService(s string) (Service, error) {
	for _, svc := range AllServices {
		if string(svc) == s {
			return svc, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownService, s)
}

// FullMethod is the gRPC method path for a participant call.
func FullMethod(service Service, method string) string {
	return fmt.Sprintf("/btc.%s.v1.Participant/%s", service, method)
}

// ParseFullMethod is the inverse of FullMethod.
func ParseFullMethod(full string) (Service, string, error) {
	path, method, ok := strings.Cut(strings.TrimPrefix(full, "/"), "/")
	if !ok || method == "" {
		return "", "", fmt.Errorf("%w: malformed method %q", ErrUnknownService, full)
	}
	name, ok := strings.CutPrefix(path, "btc.")
	if !ok {
		return "", "", fmt.Errorf("%w: malformed method %q", ErrUnknownService, full)
	}
	name, ok = strings.CutSuffix(name, ".v1.Participant")
	if !ok {
		return "", "", fmt.Errorf("%w: malformed method %q", ErrUnknownService, full)
	}
	svc, err := ParseService(name)
	if err != nil {
		return "", "", err
	}
	return svc, method, nil
}
