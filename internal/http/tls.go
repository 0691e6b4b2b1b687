package http

// SkipTLSVerification skips verification of certificates presented by the
// server. It is a global because it is set once, from a CLI flag, and
// applies to every client constructed thereafter.
var SkipTLSVerification bool
