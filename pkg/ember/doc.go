// Package ember implements the connection lifecycle engine of an
// asynchronous HTTP server runtime: the acceptor loop, the per-connection
// read/write/parse/respond state machine, the idle-timeout reaper, and
// admission control.
//
// The wire protocol (HTTP/1.x, HTTP/2, ...), the application's request
// handler, and the error-to-response renderer are deliberately external
// collaborators, represented here only as interfaces (HttpDriver,
// RequestHandler, ErrorHandler). Implementing a driver, picking a
// request/response type, and wiring a logger are the caller's job.
package ember
