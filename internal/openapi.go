//go:generate go run github.com/swaggo/swag/v2/cmd/swag init --parseInternal --outputTypes json -g openapi.go -o .
package internal

// @title         alexandria enrichment api
// @version       1.0
// @description   Book metadata enrichment: multi-provider fan-out, merge, and persistence.
//
// @license.name  GPLv3
// @license.url   https://www.gnu.org/licenses/gpl-3.0.en.html
