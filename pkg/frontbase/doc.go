// Package frontbase assembles the live-query server: configuration, store
// selection, bootstrap of the server state, and the HTTP surface.
//
// Clients connect to /socket and subscribe to queries over entities or kind
// descriptors. Every store change re-runs the affected queries and pushes
// fresh results to their connections. /health reports the server state and
// how many connections and listeners are active.
package frontbase
