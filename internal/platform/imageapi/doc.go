// Package imageapi implements the generation.Generator contract
// against the remote image service's HTTP API. Submit returns an
// opaque job UUID; the job is then polled at a fixed interval up to a
// bounded attempt count, with the standard and fidelity pipelines
// using different endpoints and poll budgets.
package imageapi
