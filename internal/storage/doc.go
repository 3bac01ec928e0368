// Package storage persists upload outcomes.
//
// A Store receives one record per terminal article while a run is in
// progress and a single Summary when it ends. Two backends exist:
//   - "file": JSON Lines journal, optionally gzip or zstd compressed,
//     plus a summary JSON document next to it
//   - "sqlite": a SQLite database holding runs and outcomes
package storage
