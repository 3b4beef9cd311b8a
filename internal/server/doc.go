// Package server hosts the Fiber HTTP service: recover and request-id
// middleware, a JSON error handler, and a catch-all route that hands every path
// to the injected ProxyHandler. It also owns the shared upstream http.Client so
// all origin fetches reuse one pooled transport.
package server
