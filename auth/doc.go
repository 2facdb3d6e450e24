// Package auth drives the server side of a security-provider handshake.
//
// A ServerContext wraps one provider security context. It is created from
// the client's first token and advanced with Continue until Done reports
// true; after each round Token holds the bytes to send back to the client.
//
//	sc, err := auth.NewServerContext(provider, cred, first,
//	    auth.WithFlags(auth.FlagMutualAuth|auth.FlagConnection))
//	for err == nil && !sc.Done() {
//	    next := exchange(sc.Token()) // send to client, read its reply
//	    err = sc.Continue(next)
//	}
//	if err != nil {
//	    status, _ := auth.StatusOf(err)
//	    ...
//	}
//	defer sc.Close()
//	tok, err := sc.AccessToken()
//
// # Providers
//
// Provider abstracts AcceptSecurityContext and friends. Implementations:
//
//   - NewNativeProvider: Windows SSPI, or sspi-rs through purego elsewhere
//   - auth/ntlm: pure-Go NTLMv2 acceptor
//   - auth/kerberos: keytab-based Kerberos acceptor
//   - auth/spnego: SPNEGO over any of the above
//
// A failed round moves the context to StateFailed; only Close is useful
// afterwards. ServerContext is not safe for concurrent use.
package auth
