// Package api hosts the HTTP query surface. Notable routes:
//   - GET /api/{provider}/search?title=&max=&mode= runs a keyword search with
//     ordered detail enrichment.
//   - GET /api/{provider}/{id} looks up a single item by ID.
//   - GET /health reports session and admission state.
//   - GET / describes the service.
//   - GET /metrics serves Prometheus metrics.
//
// Every /api response uses the {success, data} / {success:false, error}
// envelope.
package api
