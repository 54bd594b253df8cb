// Package api hosts the HTTP gateway. Notable routes:
//   - GET /health and /info for probes and discovery.
//   - GET /metrics for Prometheus scraping.
//   - GET /article/{slug}, /article/{slug}/summary and
//     /article/{slug}/section/{section_title}, behind access control.
//   - /admin/keys and /admin/cache for operators, mounted only when an admin
//     token is configured.
package api
