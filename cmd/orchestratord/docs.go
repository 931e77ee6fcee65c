package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           orchestratord API
// @version         1.0
// @description     HTTP bridge for the image-generation job orchestration core.
//
// @contact.name   orchestratord maintainers
// @contact.url    https://github.com/your-org/orchestratord
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
