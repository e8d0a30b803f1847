package providers

// NewAzureProvider builds an Azure OpenAI Service provider: wire-compatible
// with OpenAIProvider except it authenticates via an "api-key" header
// instead of a bearer token and requires an api-version query parameter
// on every request. apiBase is the full deployment endpoint, e.g.
// "https://{resource}.openai.azure.com/openai/deployments/{deployment}".
func NewAzureProvider(apiKey, apiBase, apiVersion, defaultModel string) *OpenAIProvider {
	if apiVersion == "" {
		apiVersion = "2024-10-21"
	}
	return NewOpenAIProvider("azure", apiKey, apiBase, defaultModel).
		WithChatPath("/chat/completions?api-version=" + apiVersion).
		WithAuthHeader(func(key string) (string, string) {
			return "api-key", key
		})
}
