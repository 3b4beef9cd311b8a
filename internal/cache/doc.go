// Package cache maps (request path, origin) pairs to deterministic storage
// locations of the form <authority>/<md5>.json and persists raw JSON payloads
// there. The filesystem store writes through a temp file + rename so readers
// never observe a partial entry; alternative backends live in sub-packages and
// satisfy the same Store contract. Proxy handlers depend on this package for
// Get/Put/Clear and never touch storage directly.
package cache
