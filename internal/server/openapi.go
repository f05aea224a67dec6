package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

const bearerScheme = "bearerAuth"

// registerDocs serves the OpenAPI document and a Swagger UI page under basePath.
// The document is built on first request, after every operation is registered.
func registerDocs(r chi.Router, api huma.API, basePath string) {
	specPath := path.Join(basePath, "openapi.json")
	var (
		once sync.Once
		doc  []byte
		err  error
	)
	r.Get(specPath, func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			documentErrors(oas)
			documentSecurity(oas, publicPaths(basePath))
			doc, err = json.Marshal(oas)
		})
		if err != nil {
			logger.Errorf("openapi: %v", err)
			http.Error(w, "openapi document unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	})

	page := fmt.Sprintf(swaggerPage, path.Join("/", specPath))
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	var out []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
}

// documentErrors declares the error envelope as the default response.
func documentErrors(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	envelope := &huma.Response{
		Description: "Error",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = envelope
		}
	}
}

// documentSecurity marks every route except public ones as requiring a bearer JWT.
func documentSecurity(oas *huma.OpenAPI, public map[string]bool) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes[bearerScheme] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
		Description:  "Token returned by /Auth/login or /Login/validate.",
	}
	required := []map[string][]string{{bearerScheme: {}}}
	oas.Security = required
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if public[route] {
				op.Security = []map[string][]string{}
			} else {
				op.Security = required
			}
		}
	}
}

const swaggerPage = `<!doctype html>
<html lang="pt-BR">
<head>
<meta charset="utf-8"/>
<title>Observatorio TI API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>window.onload = () => SwaggerUIBundle({url: '%s', dom_id: '#swagger-ui'});</script>
</body>
</html>`
