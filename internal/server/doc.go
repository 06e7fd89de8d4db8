// Package server hosts the Fiber HTTP service, request middleware chain, and
// cache registry glue that maps the first path segment to an opened disk
// cache. The registry opens every configured cache at startup, attaches an
// optional memory tier, and forwards change events to the log. Diagnostics
// live under /-/ and are registered by the routes package, so keep exports
// narrow and accept explicit dependencies.
package server
