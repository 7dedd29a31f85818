// Package generation defines the contract with the remote
// image-generation service: the request/result shapes and the error
// taxonomy the worker's state machine branches on. The HTTP
// implementation lives in internal/platform/imageapi.
package generation
