package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CredentialsIssued counts upload URLs and multipart sessions handed out
	CredentialsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simple_upload",
			Name:      "credentials_issued_total",
			Help:      "Total number of upload credentials issued",
		},
		[]string{"provider"},
	)

	// CredentialErrors counts failed credential requests by error type
	CredentialErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simple_upload",
			Name:      "credential_errors_total",
			Help:      "Total number of failed credential requests",
		},
		[]string{"provider", "type"},
	)
)
