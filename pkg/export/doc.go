// Package export implements parallel profile export from the remote
// analytics API into the local single-writer store.
//
// The API pages profiles through a session: page 0 issues a session id
// that later pages must echo back for a consistent snapshot. Page count
// is unknown up front; each page's has-more flag is the only way to learn
// that another page exists. The local store tolerates exactly one writer.
//
// Example usage:
//
//	svc := export.NewService(client, engine)
//	result, err := svc.Fetch(ctx, export.FetchSpec{
//		Table:      "profiles",
//		MaxWorkers: 5,
//	})
//
// The coordinator:
//   - Fetches page 0 synchronously to obtain the session id (fatal on failure)
//   - Spawns a bounded fetch pool (hard cap 5 workers - profile export
//     draws on a 60 requests/hour quota)
//   - Serializes all storage writes through a single writer goroutine fed
//     by a bounded queue; a full queue blocks fetch completions, which is
//     the backpressure mechanism
//   - Records per-page failures in the result instead of retrying them
//
// Pages are discovered in increasing index order but may be written out of
// order; physical row order in the destination table reflects write
// completion order.
package export
