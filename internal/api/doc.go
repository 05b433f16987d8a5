// Package api exposes the REST surface of the marketplace core: service
// registration and discovery, payment preparation and completion, spending
// limit management, transaction listing, and Prometheus metrics.
package api
