package openai

import (
	"github.com/codelayer/agproxy/internal/signature"
	"github.com/codelayer/agproxy/internal/translator"
)

// Register wires the OpenAI dialect into the translator registry, sharing
// the signature cache between the request and response directions.
func Register(cache *signature.Cache) {
	translator.Register(
		translator.FormatOpenAI,
		translator.FormatAntigravity,
		func(modelName string, rawJSON []byte, _ bool) []byte {
			return BuildRequest(modelName, rawJSON, cache)
		},
		NewResponder(cache),
	)
}
