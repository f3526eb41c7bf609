package swagger

//go:generate swag init --generalInfo swagger.go --output docs --dir .,../internal/httpapi,../api --parseInternal --parseDependency --generatedTime=false
//go:generate go run ./internal/swaggerhtml --spec docs/swagger.json --out docs/swagger.html

// @title           txnd API
// @version         0.0
// @description     txnd hosts distributed transactions with signed claim chains, buffered multi-version writes, and idempotent commit propagation.
// @contact.name    Michel Blomgren
// @contact.email   sa6mwa@gmail.com
// @contact.url     https://pkt.systems
// @license.name    MIT
// @license.url     https://opensource.org/license/mit/
// @BasePath        /v1
// @schemes         http https
// @accept          json
// @produce         json
// @tag.name        txn
// @tag.description Transaction begin, join, finalize, and settlement propagation.
// @tag.name        resource
// @tag.description Transactional resource reads, buffered writes, and per-resource commit or rollback.
// @tag.name        system
// @tag.description Service health and readiness probes.
// @securityDefinitions.apikey  ClaimChain
// @in                          header
// @name                        X-Txnd-Claim-Chain
// @description                 Signed ed25519 claim chain presented on every transactional call; each host crossing appends exactly one claim.

// Package swagger provides go:generate hooks for producing OpenAPI assets.
type Package struct{}
