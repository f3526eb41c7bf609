// Package txnd exposes the Go APIs behind the distributed transaction host.
// Each txnd instance owns a slice of the resource space, authorizes every
// operation against a signed claim chain, buffers writes in a multi-version
// state store, and settles transactions through a commit coordinator that
// fans finalize decisions out to the peers a transaction touched.
//
// # Running a server
//
// A server needs an identity bundle: a PEM file carrying the host name, its
// ed25519 signing key, the public keys of trusted peers, and the kryptograf
// root key used to encrypt values at rest. Generate one with `txnd bundle
// new` or CreateIdentityBundleFile.
//
//	cfg := txnd.Config{
//	    Listen:     ":9410",
//	    BundlePath: "/etc/txnd/identity.pem",
//	}
//	srv, err := txnd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("txnd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("txnd shutdown: %v", err)
//	    }
//	}()
//
// StartServer wraps the same flow for callers that want a ready server and a
// stop function in one call.
//
// # Transactions
//
// Clients begin a transaction on one host, which becomes its coordinator and
// issues the root claim of the chain. Every read and write presents the chain;
// a host joining the transaction for the first time appends its own claim,
// narrowing scope and enforcing the no-repeat-issuer rule that makes call
// cycles fail fast instead of deadlocking. Writes stay buffered per
// transaction until the coordinator receives a commit or rollback decision
// and fans it out to every participant.
//
// # Client SDK
//
// The Go client (`pkt.systems/txnd/client`) wraps the HTTP API:
//
//	cli, err := client.New("http://txnd-a:9410")
//	if err != nil { log.Fatal(err) }
//	txn, err := cli.Begin(ctx, "svc-billing", nil, 30*time.Second)
//	if err != nil { log.Fatal(err) }
//	_, err = cli.Write(ctx, txn, "/accounts/1", strings.NewReader(`{"balance":10}`), client.WriteOptions{})
//	if err != nil { log.Fatal(err) }
//	if _, err := cli.Finalize(ctx, txn.ID, "commit"); err != nil {
//	    log.Fatal(err)
//	}
//
// # Observability
//
// Configure MetricsListen for a Prometheus scrape endpoint, OTLPEndpoint for
// trace export (grpc://, grpcs://, http://, https:// schemes), and
// PprofListen for a debug listener. All are off by default.
package txnd
