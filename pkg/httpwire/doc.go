// Package httpwire is a minimal HTTP/1.1 codec for single request/response
// exchanges over a byte stream.
//
// Requests are always sent with Content-Length and "Connection: close", and
// the peer is expected to close the connection after its response. The
// response is therefore read until EOF and parsed afterwards: the head is
// split from the body at the first blank line, header names are lower-cased,
// chunked bodies are decoded and a Content-Length shorter than the received
// body truncates it.
package httpwire
