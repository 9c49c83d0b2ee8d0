// Package api serves read-only views of harvester output next to the metrics
// endpoint. Routes:
//   - GET /api/runs lists run ledgers, newest first.
//   - GET /api/runs/{run_id} returns one ledger.
//   - GET /api/articles lists the reports saved under the output root.
package api
