// Package negotiate provides server-side Negotiate (SPNEGO, Kerberos and
// NTLM) authentication for Go services.
//
// The library is organized into layers:
//
//	┌─────────────────────────────────────────────────────────┐
//	│  auth/httpauth   HTTP Negotiate middleware (RFC 4559)   │
//	├─────────────────────────────────────────────────────────┤
//	│  auth            ServerContext handshake state machine  │
//	├─────────────────────────────────────────────────────────┤
//	│  auth/spnego     SPNEGO mechanism selection             │
//	│  auth/kerberos   Keytab acceptor     auth/ntlm  NTLMv2  │
//	│  native          Windows SSPI / sspi-rs                 │
//	└─────────────────────────────────────────────────────────┘
//
// # Quick Start
//
//	users := ntlm.NewStaticUsers(map[string]string{"alice": "Passw0rd!"})
//	inner, err := ntlm.NewAcceptor(ntlm.Config{Domain: "CONTOSO", Users: users})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	neg, err := spnego.NewAcceptor(nil, spnego.NTLMMech(inner))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	authn, err := httpauth.New(httpauth.Config{Provider: neg})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv := &http.Server{
//	    Addr:        ":8080",
//	    Handler:     authn.Middleware(app),
//	    ConnContext: authn.ConnContext,
//	    ConnState:   authn.ConnState,
//	}
//
// Handlers read the authenticated user with httpauth.IdentityFromContext.
//
// The negotiate-server command in cmd/negotiate-server wires all of this
// from a YAML configuration file.
package negotiate
