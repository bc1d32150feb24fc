// Package api exposes external interfaces for submitting orchestration goals
// and retrieving archived runs and job statistics. It hosts the REST surface
// consumed by the Go SDK.
package api
