// Package configs provides the embedded configuration template for
// surveydeck.
//
// The template is embedded at build time so `surveydeck config init`
// works in every distribution, including bare binary releases. To
// change the template, edit surveydeck.example.yaml and rebuild.
package configs

import _ "embed"

// ConfigTemplate is the annotated starting-point configuration written
// by `surveydeck config init`.
//
//go:embed surveydeck.example.yaml
var ConfigTemplate string
