// Package main hosts the harvester service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, readiness, metrics, run planning and run management
//     endpoints. Submitted runs get a run id and a progress tracker before they are queued.
//   - Dispatcher & queue: runs flow through a bounded in-memory queue sized by harvest.queue_depth and are
//     picked up by a fixed worker pool sized by harvest.workers. Each worker executes one run at a time.
//   - Run pipeline: the orchestrator loads the account file, plans how many sessions to open, authenticates
//     them one by one, harvests every session concurrently, filters by topic and exports the result.
//   - Persistence & fanout: exports go to local CSV files, GCS objects, Postgres rows or memory. A run-complete
//     notification is published to Pub/Sub when a topic is configured.
//   - Configuration & plumbing: Viper populates config from env/files (prefix HARVESTER_); zap provides
//     structured logging; Prometheus metrics are exported on /metrics.
//
// Commands:
//   - serve (default): run the HTTP service until SIGINT/SIGTERM.
//   - run: execute one harvest in the foreground and print its result as JSON.
//   - seed-accounts: write numbered placeholder accounts to credentials.path when no file exists yet.
//
// Flags must precede the command: harvester -sheet weekly -target 200 run
//
// Quick checklist:
//   - Provide an account file (credentials.path, default accounts.json).
//   - Run locally: go run ./cmd/harvester -config config.yaml
//   - One-shot: go run ./cmd/harvester -sheet weekly -target 200 -mode hybrid -topic "golang,rust" run
package main
