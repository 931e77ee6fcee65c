// Package apidocs registers the OpenAPI document served at /swagger/*.
// Regenerate with `make swagger-gen` after changing handler annotations.
package apidocs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/upload": {
            "post": {
                "consumes": ["multipart/form-data"],
                "produces": ["application/json"],
                "summary": "Upload a binary blob and receive a fileRef",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/storage/{key}": {
            "get": {
                "produces": ["application/octet-stream"],
                "summary": "Fetch an output blob by content-addressed key",
                "parameters": [{"type": "string", "name": "key", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/healthz": {
            "get": {
                "produces": ["application/json"],
                "summary": "Service health snapshot",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/generate": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "summary": "Synchronous generation (legacy adapter)",
                "responses": {"200": {"description": "OK"}, "429": {"description": "Too Many Requests"}}
            }
        },
        "/superres": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "summary": "Synchronous super-resolution (legacy adapter)",
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "orchestratord API",
	Description:      "HTTP bridge for the image-generation job orchestration core.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
