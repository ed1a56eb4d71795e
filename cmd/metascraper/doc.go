// Package main hosts the metadata scraping service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes /api/{provider}/search, /api/{provider}/{id}, /health and /metrics.
//     Responses use the {success, data, error} envelope; errors map onto 400/404/429/502/504.
//   - Orchestrator: resolves a query to an ID lookup or a keyword search, admits work through the provider's
//     limiter (concurrency gate plus minimum interval), and fans search hits out to detail fetches with a bounded,
//     order-preserving worker pool. Results and not-found answers are cached with separate TTLs.
//   - Providers: dlsite renders pages in a shared Chrome through rotating browser sessions; getchu is fetched
//     with colly and a per-host pacer. Both detect anti-bot challenges and archive raw pages of failed extractions
//     to the configured blob store (memory/local/GCS).
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging (optionally
//     tee'd to a rotating file); Prometheus metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - The browser is a single process; sessions are isolated browser contexts rotated on TTL, page count,
//     challenge, or death. Shutdown closes sessions before the browser.
//   - memory.aggressive lowers the GC target and periodically returns freed memory to the OS.
//
// Quick checklist:
//   - Configure env vars: METASCRAPER_SERVER_PORT, METASCRAPER_AUTH_TOKEN, METASCRAPER_HEADLESS_ENABLED,
//     METASCRAPER_HEADLESS_EXEC_PATH, METASCRAPER_ARCHIVE_BACKEND and friends.
//   - Run locally: go run ./cmd/metascraper -config config.yaml (or rely solely on env overrides).
package main
