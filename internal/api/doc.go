// Package api exposes the REST surface for submitting proposals, tracking
// review outcomes, and managing principals and the halt switch. It also
// serves the metrics endpoint and token issuance when authentication is
// enabled.
package api
