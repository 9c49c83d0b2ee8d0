// Package store persists article reports as metadata.json files under the
// output root and keeps the per-journal rejection cache used on resume. It
// never touches the network.
package store
