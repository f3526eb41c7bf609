// Command swaggerhtml embeds a generated swagger.json into a self-contained
// Swagger UI HTML page.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
)

const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>txnd API reference</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
  <style>
    body { margin: 0; background: #f7f7f7; }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-standalone-preset.js"></script>
  <script>
    window.onload = function() {
      const spec = %s;
      SwaggerUIBundle({
        spec: spec,
        dom_id: '#swagger-ui',
        deepLinking: true,
        presets: [SwaggerUIBundle.presets.apis, SwaggerUIStandalonePreset],
        layout: 'BaseLayout'
      });
    };
  </script>
</body>
</html>
`

func main() {
	specPath := flag.String("spec", "", "path to swagger.json")
	outPath := flag.String("out", "", "path to generated swagger HTML")
	flag.Parse()
	log.SetFlags(0)

	if *specPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: swaggerhtml -spec swagger.json -out swagger.html")
		os.Exit(2)
	}

	specBytes, err := os.ReadFile(*specPath)
	if err != nil {
		log.Fatalf("read spec: %v", err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, specBytes); err != nil {
		log.Fatalf("compact spec: %v", err)
	}
	html := fmt.Sprintf(pageTemplate, compact.String())
	if err := os.WriteFile(*outPath, []byte(html), 0o644); err != nil {
		log.Fatalf("write html: %v", err)
	}
}
