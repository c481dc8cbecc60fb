// Package arcgis is a typed client for the ArcGIS Server and Portal REST
// APIs.
//
// A Gateway turns an Operation (an endpoint plus a parameter map) into an
// HTTP request, attaches a token from its TokenProvider, and decodes the
// JSON reply. The REST API reports logical failures inside an HTTP 200 body,
// so every reply is checked for an "error" object before it is decoded;
// those failures come back as *ServerError. Failed HTTP exchanges come back
// as *TransportError and cancelled or timed out calls as ErrCanceled, so
// callers can tell the three apart with errors.Is.
//
// Token providers cover the supported authentication modes:
//
//   - NewTokenProvider: username and password against the server's own
//     token service, optionally RSA encrypted with the server's public key
//   - NewPortalTokenProvider and NewArcGISOnlineTokenProvider: the same
//     flow against a portal's sharing API
//   - NewOAuthTokenProvider: application client credentials
//   - NewFederatedTokenProvider: exchanges a portal token for a token
//     scoped to a federated server
//
// Every provider caches one token and regenerates it once it expires.
// Concurrent callers that race an expiry may each fetch a token; the
// results are interchangeable so the duplicates only cost a round trip.
package arcgis
