// Package api hosts the HTTP handlers for the credits service.
//
// Handler fronts three groups of routes: operator endpoints under /api that
// register, clear and block credits; snapshot endpoints that render credits
// JSON, write the data file and create generations; and the integration
// endpoints a credits display polls for its data and completion callback.
//
// Authentication, request ids, logging and metrics are applied by the
// middleware in internal/server. Handlers only validate input and map
// domain errors onto status codes through writeDomainError.
package api
